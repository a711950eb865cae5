package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderUpdate_TriggeredStop(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000123,"T":1700000000120,"o":{
		"s":"ETHUSDT","c":"sl-abc","S":"SELL","o":"MARKET","q":"1.5","p":"0","ap":"1990.5",
		"sp":"1990","x":"TRADE","X":"PARTIALLY_FILLED","i":42,"l":"0.5","z":"0.5","L":"1990.5",
		"n":"0.02","N":"USDT","T":1700000000120,"t":7,"R":true,"ot":"STOP_MARKET","ps":"BOTH","cp":false,"rp":"-4.75"}}`)

	fill, err := ParseOrderUpdate(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), fill.OrderID)
	assert.Equal(t, "ETHUSDT", fill.Symbol)
	assert.Equal(t, "STOP_MARKET", fill.OrderType)
	assert.Equal(t, "PARTIALLY_FILLED", fill.Status)
	assert.InDelta(t, 0.5, fill.LastQty, 1e-12)
	assert.InDelta(t, 1990.5, fill.LastPrice, 1e-12)
	assert.InDelta(t, -4.75, fill.RealizedProfit, 1e-12)
	assert.True(t, fill.ReduceOnly)
	assert.Equal(t, int64(1700000000123), fill.EventTime.UnixMilli())
}

func TestParseOrderUpdate_MissingOrderID(t *testing.T) {
	_, err := ParseOrderUpdate([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT"}}`))
	assert.Error(t, err)
}
