package oracle

import (
	"context"
	"testing"
	"time"

	"updown/internal/config"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeSamples struct{ got []types.PriceSample }

func (f *fakeSamples) Ingest(s types.PriceSample) error {
	f.got = append(f.got, s)
	return nil
}

type fakeSettlements struct{ got []string }

func (f *fakeSettlements) OnSettlement(ctx context.Context, windowID string, outcome types.Outcome) {
	f.got = append(f.got, windowID+":"+outcome.String())
}

func newTestFeed() (*Feed, *fakeSamples, *fakeSettlements) {
	samples := &fakeSamples{}
	settles := &fakeSettlements{}
	f := NewFeed(config.OracleFeedConfig{}, samples, settles)
	return f, samples, settles
}

func TestDeliverSettlementsDedup(t *testing.T) {
	f, _, settles := newTestFeed()
	raw := []byte(`{"settlements":[{"window_id":"BTCUSDT-1000","outcome":"up"}]}`)

	f.deliverSettlements(context.Background(), raw)
	f.deliverSettlements(context.Background(), raw)

	assert.Equal(t, []string{"BTCUSDT-1000:up"}, settles.got, "同一窗口结算只投递一次")
}

func TestDeliverSettlementsUnknownOutcomeIgnored(t *testing.T) {
	f, _, settles := newTestFeed()
	raw := []byte(`{"settlements":[{"window_id":"BTCUSDT-1000","outcome":"sideways"}]}`)

	f.deliverSettlements(context.Background(), raw)

	assert.Empty(t, settles.got)
}

func TestSeenEntriesPrunedAfterTTL(t *testing.T) {
	f, _, settles := newTestFeed()
	base := time.Now().UTC()
	now := base
	f.nowFn = func() time.Time { return now }

	f.deliverSettlements(context.Background(), []byte(`{"settlements":[{"window_id":"w1","outcome":"up"}]}`))
	assert.Len(t, f.seen, 1)

	now = base.Add(settlementSeenTTL + time.Minute)
	f.deliverSettlements(context.Background(), []byte(`{"settlements":[{"window_id":"w2","outcome":"down"}]}`))

	// w1 超过保留期被清掉，只剩 w2。
	assert.Len(t, f.seen, 1)
	_, kept := f.seen["w2"]
	assert.True(t, kept)
	assert.Len(t, settles.got, 2)
}

func TestIngestPricesParsesFeed(t *testing.T) {
	f, samples, _ := newTestFeed()
	raw := []byte(`{"prices":[
		{"symbol":"btcusdt","price":65000.5,"confidence":0.8,"ts":1756600000000},
		{"symbol":"","price":1.0},
		{"symbol":"ETHUSDT","price":0}
	]}`)

	f.ingestPrices(raw)

	assert.Len(t, samples.got, 1, "空 symbol 与非正价格被丢弃")
	assert.Equal(t, "BTCUSDT", samples.got[0].Symbol)
	assert.Equal(t, SourceName, samples.got[0].Source)
	assert.InDelta(t, 65000.5, samples.got[0].Price, 1e-9)
	assert.InDelta(t, 0.8, samples.got[0].Confidence, 1e-9)
}
