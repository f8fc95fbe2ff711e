package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"updown/internal/consensus"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

func writeStrategyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	assert.NoError(t, RegisterBuiltins(r))
	return r
}

func TestRegistryLoad(t *testing.T) {
	r := builtinRegistry(t)
	path := writeStrategyFile(t, `
strategies:
  momentum-fast:
    kind: momentum
    params:
      lookback: 20
      threshold_pct: 0.08
  meanrevert-wide:
    kind: meanrevert
    enabled: false
    params:
      revert_pct: 0.25
      max_spread_pct: 0.5
`)
	assert.NoError(t, r.Load(path))

	instances := r.Instances()
	assert.Len(t, instances, 1, "disabled 实例不应出现在启用列表")
	assert.Equal(t, "momentum-fast", instances[0].ID)
	assert.Equal(t, "momentum", instances[0].Kind)
	assert.NotNil(t, instances[0].Eval)
}

func TestRegistryLoadKindDefaultsToID(t *testing.T) {
	r := builtinRegistry(t)
	path := writeStrategyFile(t, `
strategies:
  momentum:
    params:
      lookback: 10
      threshold_pct: 0.1
`)
	assert.NoError(t, r.Load(path))
	instances := r.Instances()
	assert.Len(t, instances, 1)
	assert.Equal(t, "momentum", instances[0].Kind)
}

func TestRegistryLoadCoercesStringNumbers(t *testing.T) {
	r := builtinRegistry(t)
	path := writeStrategyFile(t, `
strategies:
  momentum-fast:
    kind: momentum
    params:
      lookback: "20"
      threshold_pct: "0.08"
`)
	assert.NoError(t, r.Load(path))
	assert.Len(t, r.Instances(), 1)
}

func TestRegistryLoadFailClosed(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, `
strategies:
  mystery:
    kind: arbitrage
    params: {}
`)
		assert.Error(t, r.Load(path))
		assert.Empty(t, r.Instances())
	})

	t.Run("schema rejects out-of-range param", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, `
strategies:
  momentum-fast:
    kind: momentum
    params:
      lookback: 1
      threshold_pct: 0.08
`)
		assert.Error(t, r.Load(path))
	})

	t.Run("schema rejects unknown param", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, `
strategies:
  momentum-fast:
    kind: momentum
    params:
      lookback: 20
      threshold_pct: 0.08
      leverage: 10
`)
		assert.Error(t, r.Load(path))
	})

	t.Run("one bad instance rejects the whole file", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, `
strategies:
  momentum-ok:
    kind: momentum
    params:
      lookback: 20
      threshold_pct: 0.08
  momentum-bad:
    kind: momentum
    params:
      threshold_pct: 0.08
`)
		assert.Error(t, r.Load(path))
		assert.Empty(t, r.Instances())
	})

	t.Run("unknown top-level field", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, `
strategies:
  momentum:
    params:
      lookback: 10
      threshold_pct: 0.1
extra: true
`)
		assert.Error(t, r.Load(path))
	})

	t.Run("empty file", func(t *testing.T) {
		r := builtinRegistry(t)
		path := writeStrategyFile(t, "strategies: {}\n")
		assert.Error(t, r.Load(path))
	})
}

func TestRegisterDuplicateKind(t *testing.T) {
	r := builtinRegistry(t)
	err := r.Register(Descriptor{Name: "momentum", Build: func(map[string]any) (EvalFunc, error) { return nil, nil }})
	assert.Error(t, err)
}

func rampHistory(start, step float64, n int) []consensus.HistoryPoint {
	out := make([]consensus.HistoryPoint, n)
	price := start
	for i := range out {
		out[i] = consensus.HistoryPoint{Price: price}
		price += step
	}
	return out
}

func TestMomentumSignals(t *testing.T) {
	r := builtinRegistry(t)
	path := writeStrategyFile(t, `
strategies:
  momentum-fast:
    kind: momentum
    params:
      lookback: 10
      threshold_pct: 0.5
`)
	assert.NoError(t, r.Load(path))
	eval := r.Instances()[0].Eval

	t.Run("rising prices buy up", func(t *testing.T) {
		// 每步 +0.1%，10 步 ROC ≈ 1% > 0.5%。
		sigs := eval(Context{History: rampHistory(100, 0.1, 30)})
		assert.Len(t, sigs, 1)
		assert.Equal(t, types.SignalBuy, sigs[0].Action)
		assert.Equal(t, types.SideUp, sigs[0].Side)
		assert.Greater(t, sigs[0].Confidence, 0.5)
	})

	t.Run("falling prices buy down", func(t *testing.T) {
		sigs := eval(Context{History: rampHistory(100, -0.1, 30)})
		assert.Len(t, sigs, 1)
		assert.Equal(t, types.SideDown, sigs[0].Side)
	})

	t.Run("flat prices stay out", func(t *testing.T) {
		assert.Empty(t, eval(Context{History: rampHistory(100, 0, 30)}))
	})

	t.Run("insufficient history stays out", func(t *testing.T) {
		assert.Empty(t, eval(Context{History: rampHistory(100, 0.1, 5)}))
	})

	t.Run("reversal exits open position", func(t *testing.T) {
		pos := &types.Position{Side: types.SideUp, State: types.PositionStateOpen}
		sigs := eval(Context{History: rampHistory(100, -0.1, 30), Position: pos})
		assert.Len(t, sigs, 1)
		assert.Equal(t, types.SignalSell, sigs[0].Action)
	})
}

func TestMeanRevertSignals(t *testing.T) {
	r := builtinRegistry(t)
	path := writeStrategyFile(t, `
strategies:
  meanrevert-wide:
    kind: meanrevert
    params:
      revert_pct: 0.25
      max_spread_pct: 0.5
`)
	assert.NoError(t, r.Load(path))
	eval := r.Instances()[0].Eval
	w := types.Window{StrikePrice: 100.0}

	t.Run("above strike bets down", func(t *testing.T) {
		sigs := eval(Context{Window: w, Consensus: types.ConsensusReading{Price: 100.30}})
		assert.Len(t, sigs, 1)
		assert.Equal(t, types.SideDown, sigs[0].Side)
	})

	t.Run("below strike bets up", func(t *testing.T) {
		sigs := eval(Context{Window: w, Consensus: types.ConsensusReading{Price: 99.70}})
		assert.Len(t, sigs, 1)
		assert.Equal(t, types.SideUp, sigs[0].Side)
	})

	t.Run("inside band stays out", func(t *testing.T) {
		assert.Empty(t, eval(Context{Window: w, Consensus: types.ConsensusReading{Price: 100.10}}))
	})

	t.Run("wide spread suppresses bet", func(t *testing.T) {
		sigs := eval(Context{Window: w, Consensus: types.ConsensusReading{Price: 100.30, SpreadPct: 0.8}})
		assert.Empty(t, sigs)
	})
}
