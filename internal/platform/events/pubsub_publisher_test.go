package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/grocery-backoffice/api/internal/services"
)

func TestPubSubOrderPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	require.NoError(t, err)
	defer topic.Stop()

	publisher, err := NewPubSubOrderPublisher(topic)
	require.NoError(t, err)

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	err = publisher.PublishOrderEvent(ctx, services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ord_01",
		OrderCode:      "ORD000123",
		PreviousStatus: "Pending",
		CurrentStatus:  "Processing",
		OccurredAt:     occurred,
	})
	require.NoError(t, err)

	messages := srv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "order.status.changed", messages[0].Attributes["type"])
	assert.Equal(t, "ord_01", messages[0].Attributes["orderId"])
	assert.Equal(t, "Processing", messages[0].Attributes["status"])
	assert.Equal(t, "ord_01", messages[0].OrderingKey)

	var payload Message
	require.NoError(t, json.Unmarshal(messages[0].Data, &payload))
	assert.Equal(t, "ORD000123", payload.OrderCode)
	assert.Equal(t, "Pending", payload.PreviousStatus)
	assert.True(t, occurred.Equal(payload.OccurredAt))
	assert.Empty(t, payload.DeviceID)
}

func TestNewPubSubOrderPublisherRequiresTopic(t *testing.T) {
	_, err := NewPubSubOrderPublisher(nil)
	require.Error(t, err)
}
