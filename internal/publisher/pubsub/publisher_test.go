package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, opts := fakeServer(t)

	client, err := pubsub.NewClient(ctx, "xhs-project", opts...)
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "notes")
	require.NoError(t, err)

	pub := New(client, "notes", nil)
	id, err := pub.Publish(ctx, "", map[string]any{"event": "note.collected", "note_id": "65a1b2c3d4e5f6a7b8c9d0e1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "65a1b2c3d4e5f6a7b8c9d0e1", got["note_id"])
	require.Equal(t, "note.collected", msgs[0].Attributes["event"])

	require.NoError(t, pub.Close())
}

func TestOpenRequiresTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, opts := fakeServer(t)

	_, err := Open(ctx, Config{ProjectID: "xhs-project", TopicID: "missing"}, nil, opts...)
	require.ErrorContains(t, err, "does not exist")

	_, err = Open(ctx, Config{}, nil)
	require.Error(t, err)
}

func TestPublishValidates(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "notes", "x")
	require.Error(t, err)

	ctx := context.Background()
	_, opts := fakeServer(t)
	client, err := pubsub.NewClient(ctx, "xhs-project", opts...)
	require.NoError(t, err)
	pub := New(client, "", nil)
	_, err = pub.Publish(ctx, "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(ctx, "notes", func() {})
	require.ErrorContains(t, err, "marshal payload")
	require.NoError(t, pub.Close())
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	var _ propagation.TextMapCarrier = c
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
