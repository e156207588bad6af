package main

import (
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCatalog_DemoFixture(t *testing.T) {
	data, err := os.ReadFile("../../db/seed/catalog.json")
	require.NoError(t, err)

	c, err := parseCatalog(data)
	require.NoError(t, err)
	assert.Len(t, c.Channels, 1)
	assert.Len(t, c.Orders, 3)

	b := buildBatch(c)
	assert.Equal(t, 43, b.Len())

	var listings int
	for _, q := range b.QueuedQueries {
		if !strings.Contains(q.SQL, "INSERT INTO variant_channel_listings") {
			continue
		}
		listings++
		if q.Arguments[0] == "var-shirt-m" {
			amount, ok := q.Arguments[5].(decimal.Decimal)
			require.True(t, ok)
			assert.True(t, amount.Equal(decimal.NewFromInt(5)), "discount amount %s", amount)
		}
		if q.Arguments[0] == "var-mug" {
			assert.Nil(t, q.Arguments[6])
		}
	}
	assert.Equal(t, 4, listings)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "malformed",
			json:    `{"channels": [`,
			wantErr: "decode JSON",
		},
		{
			name:    "channel without currency",
			json:    `{"channels": [{"id": "ch"}]}`,
			wantErr: "channel requires id and currency",
		},
		{
			name: "listing on unknown channel",
			json: `{"channels": [{"id": "ch", "currency": "USD"}],
				"products": [{"id": "p", "variants": [{"id": "v", "listings": [{"channel_id": "other", "price": "1"}]}]}]}`,
			wantErr: `unknown channel "other"`,
		},
		{
			name: "unknown rule scope",
			json: `{"promotions": [{"id": "pr", "rules": [{"id": "r", "scope": "line", "value_type": "fixed", "value": "1"}]}]}`,
			wantErr: `unknown scope "line"`,
		},
		{
			name: "unknown gift variant",
			json: `{"promotions": [{"id": "pr", "rules": [{"id": "r", "scope": "order", "reward_type": "gift",
				"value_type": "fixed", "value": "0", "gifts": ["missing"]}]}]}`,
			wantErr: `unknown gift variant "missing"`,
		},
		{
			name:    "unknown voucher type",
			json:    `{"vouchers": [{"id": "v", "type": "bogus", "value_type": "fixed"}]}`,
			wantErr: "unknown voucher type",
		},
		{
			name:    "unknown target type",
			json:    `{"vouchers": [{"id": "v", "type": "specific_product", "value_type": "fixed", "targets": [{"type": "brand", "id": "b"}]}]}`,
			wantErr: `unknown target type "brand"`,
		},
		{
			name: "order line with unknown variant",
			json: `{"channels": [{"id": "ch", "currency": "USD"}],
				"orders": [{"id": "o", "channel_id": "ch", "lines": [{"id": "l", "variant_id": "v", "quantity": 1}]}]}`,
			wantErr: `unknown variant "v"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCatalog([]byte(tt.json))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
