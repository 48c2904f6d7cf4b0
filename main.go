// Command cardcrawler crawls the card database and serves random card lookups.
package main

import "github.com/mtAerohand/draw/cmd"

func main() {
	cmd.Execute()
}
