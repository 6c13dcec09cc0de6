package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"trade-mirror/internal/broker"
)

var (
	tradesOutput  string
	tradesSession string
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "拉取主账户成交",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tradesOutput != "table" && tradesOutput != "json" {
			return fmt.Errorf("不支持的输出格式 %q（可选 table、json）", tradesOutput)
		}

		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		svc := rt.app.Trades()
		if tradesSession != "" {
			svc = svc.WithSessionToken(tradesSession)
		}

		ctx := cmd.Context()
		start := time.Now()
		result, err := svc.GetMasterTrades(ctx)
		if err != nil {
			rt.app.Monitor().RecordError(ctx, "成交拉取失败", err, map[string]interface{}{"trigger": "cli"})
			return err
		}
		rt.app.Monitor().RecordTrades(ctx, "cli", result, time.Since(start))

		return renderTrades(cmd.OutOrStdout(), result, tradesOutput)
	},
}

func init() {
	tradesCmd.Flags().StringVarP(&tradesOutput, "output", "o", "table", "输出格式：table 或 json")
	tradesCmd.Flags().StringVar(&tradesSession, "session", "", "随请求携带的 SID")
}

func renderTrades(w io.Writer, result broker.TradeResult, output string) error {
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Trades []broker.Trade     `json:"trades"`
			Source broker.TradeSource `json:"source"`
			Reason string             `json:"reason,omitempty"`
		}{result.Trades, result.Source, result.Reason})
	}

	if result.IsFallback() {
		fmt.Fprintf(w, "数据来源: %s（%s）\n", result.Source, result.Reason)
	} else {
		fmt.Fprintf(w, "数据来源: %s\n", result.Source)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Time", "Account", "Symbol", "Type", "Side", "Qty", "Price", "Status"})
	table.SetAutoWrapText(false)
	for _, t := range result.Trades {
		table.Append([]string{
			t.ID,
			t.Timestamp,
			t.Account,
			t.Symbol,
			t.Type,
			string(t.Side),
			strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			strconv.FormatFloat(t.Price, 'f', 2, 64),
			t.Status,
		})
	}
	table.Render()
	return nil
}
