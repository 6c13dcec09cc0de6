package broker

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// SampleMasterAccount 为样例数据中主账户的名称。
const SampleMasterAccount = "Master"

//go:embed sample_trades.yaml
var sampleTradesYAML []byte

var sampleTrades = mustParseSample(sampleTradesYAML)

func mustParseSample(data []byte) []Trade {
	var trades []Trade
	if err := yaml.Unmarshal(data, &trades); err != nil {
		panic(fmt.Sprintf("broker: 解析样例成交失败: %v", err))
	}
	return trades
}

// SampleTrades 返回全部样例成交的副本。
func SampleTrades() []Trade {
	out := make([]Trade, len(sampleTrades))
	copy(out, sampleTrades)
	return out
}

// SampleMasterTrades 返回主账户的样例成交，顺序与数据文件一致。
func SampleMasterTrades() []Trade {
	out := make([]Trade, 0, len(sampleTrades))
	for _, t := range sampleTrades {
		if t.Account == SampleMasterAccount {
			out = append(out, t)
		}
	}
	return out
}
