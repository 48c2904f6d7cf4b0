package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)

	_, err = client.CreateTopic(ctx, "catalog-commits")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishSendsJSON(t *testing.T) {
	pub, srv := newTestPublisher(t)

	payload := map[string]any{"cycle_id": "c-1", "before": 50, "after": 51}
	id, err := pub.Publish(context.Background(), "catalog-commits", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "c-1", got["cycle_id"])
	assert.InDelta(t, 51, got["after"], 0)
}

func TestPublishRejectsBadInput(t *testing.T) {
	pub, _ := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "catalog-commits", make(chan int))
	require.Error(t, err)

	_, err = New(nil).Publish(context.Background(), "catalog-commits", "x")
	require.Error(t, err)
}

func TestNewFromProjectRequiresProject(t *testing.T) {
	_, err := NewFromProject(context.Background(), "")
	require.Error(t, err)
}
