package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trade-mirror/internal/broker"
)

var (
	sessionCreds  broker.Credentials
	sessionReveal bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "用账户凭据换取 SID（需开启 alice.allow_session_exchange）",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		sid, err := rt.app.Sessions().ObtainSession(ctx, sessionCreds)
		rt.app.Monitor().RecordSession(ctx, sessionCreds.UserID, sid, err)
		if err != nil {
			return err
		}

		return printSession(cmd.OutOrStdout(), sid, sessionReveal)
	},
}

func init() {
	f := sessionCmd.Flags()
	f.StringVar(&sessionCreds.UserID, "user-id", "", "Alice Blue 用户 ID")
	f.StringVar(&sessionCreds.Password, "password", "", "登录密码")
	f.StringVar(&sessionCreds.TwoFA, "twofa", "", "二次验证答案")
	f.StringVar(&sessionCreds.AppID, "app-id", "", "应用 ID")
	f.BoolVar(&sessionReveal, "reveal", false, "输出完整 SID（默认脱敏）")
}

func printSession(w io.Writer, sid string, reveal bool) error {
	if reveal {
		_, err := fmt.Fprintln(w, sid)
		return err
	}
	_, err := fmt.Fprintf(w, "SID: %s\n", broker.MaskToken(sid))
	return err
}
