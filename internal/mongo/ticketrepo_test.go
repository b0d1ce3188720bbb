package mongo

import (
	"context"
	"testing"

	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/kds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestTicketQuery(t *testing.T) {
	posID := int64(42)

	tests := []struct {
		name   string
		filter kds.TicketFilter
		want   bson.M
	}{
		{name: "empty", filter: kds.TicketFilter{}, want: bson.M{}},
		{name: "activeOnly", filter: kds.TicketFilter{ActiveOnly: true}, want: bson.M{"active": true}},
		{
			name:   "allFields",
			filter: kds.TicketFilter{KitchenID: "k1", SambaPOSTicketID: &posID, ActiveOnly: true},
			want:   bson.M{"kitchen_id": "k1", "sambapos_ticket_id": int64(42), "active": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ticketQuery(tt.filter))
		})
	}
}

func TestTicketFindOptions(t *testing.T) {
	opts := ticketFindOptions(kds.TicketFilter{Limit: 10, Offset: 20})
	require.NotNil(t, opts.Limit)
	require.NotNil(t, opts.Skip)
	assert.Equal(t, int64(10), *opts.Limit)
	assert.Equal(t, int64(20), *opts.Skip)

	opts = ticketFindOptions(kds.TicketFilter{})
	assert.Nil(t, opts.Limit)
	assert.Nil(t, opts.Skip)
}

func TestRepositoriesRequireConnection(t *testing.T) {
	client := NewClient(config.New(), nil)
	ctx := context.Background()

	assert.Error(t, NewTicketRepo(client).Start(ctx))
	assert.Error(t, NewBumpRepo(client).Start(ctx))
	assert.NoError(t, client.Stop(ctx), "stopping an unstarted client is a no-op")
}
