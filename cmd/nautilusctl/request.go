package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frc-emotion/nautilus/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	sendKind    string
	sendMethod  string
	sendData    string
	sendHeaders []string
	sendQuery   []string
	sendTimeout string
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.AddCommand(requestSendCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	f := requestSendCmd.Flags()
	f.StringVar(&sendKind, "kind", "", "request kind used to route outcomes after a restart")
	f.StringVarP(&sendMethod, "method", "X", "GET", "HTTP method (GET, POST, PUT, DELETE)")
	f.StringVarP(&sendData, "data", "d", "", "JSON request body")
	f.StringArrayVarP(&sendHeaders, "header", "H", nil, "header as Name=Value (repeatable)")
	f.StringArrayVar(&sendQuery, "query", nil, "query parameter as key=value (repeatable)")
	f.StringVar(&sendTimeout, "timeout", "", "per-request timeout, e.g. 10s")
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Send requests through the daemon",
}

var requestSendCmd = &cobra.Command{
	Use:   "send <url>",
	Short: "Send a request now, or queue it until the backend is reachable",
	Example: "  nautilusctl request send -X POST --kind attendance.checkin \\\n" +
		"    -d '{\"meeting\":\"m1\"}' /api/attendance/",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := map[string]any{
			"url":    args[0],
			"method": sendMethod,
		}
		if sendKind != "" {
			fields["kind"] = sendKind
		}
		if sendTimeout != "" {
			fields["timeout"] = sendTimeout
		}
		if sendData != "" {
			var body any
			if err := json.Unmarshal([]byte(sendData), &body); err != nil {
				return fmt.Errorf("--data is not valid JSON: %w", err)
			}
			fields["data"] = body
		}
		headers, err := pairs(sendHeaders)
		if err != nil {
			return fmt.Errorf("--header: %w", err)
		}
		if len(headers) > 0 {
			fields["headers"] = headers
		}
		query, err := pairs(sendQuery)
		if err != nil {
			return fmt.Errorf("--query: %w", err)
		}
		if len(query) > 0 {
			fields["query"] = query
		}
		in, err := structpb.NewStruct(fields)
		if err != nil {
			return err
		}

		conn, err := dial(profileName())
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := commandContext()
		defer cancel()
		out, err := api.NewRequestClient(conn).Submit(ctx, in)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(out)
		}

		f := out.GetFields()
		status := f["status"].GetStringValue()
		switch status {
		case api.StatusSent, api.StatusFailed:
			fmt.Printf("%s (%d)\n", status, int(f["status_code"].GetNumberValue()))
			if msg := f["error"].GetStringValue(); msg != "" {
				fmt.Printf("Error: %s\n", msg)
			}
			if body, ok := f["body"]; ok {
				if _, isNull := body.GetKind().(*structpb.Value_NullValue); !isNull {
					raw, _ := protojson.Marshal(body)
					fmt.Println(string(raw))
				}
			}
		case api.StatusQueued:
			fmt.Printf("Backend unreachable; queued as %s\n", f["id"].GetStringValue())
		case api.StatusScheduled:
			fmt.Printf("Rate limited; retry scheduled for %s\n", f["id"].GetStringValue())
		default:
			fmt.Println(status)
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <jwt>",
	Short: "Validate a token and use it for requests sent by the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := structpb.NewStruct(map[string]any{"token": args[0]})
		if err != nil {
			return err
		}
		conn, err := dial(profileName())
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := commandContext()
		defer cancel()
		user, err := api.NewRequestClient(conn).Validate(ctx, in)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(user)
		}
		f := user.GetFields()
		fmt.Printf("Logged in as %s (%s)\n", f["email"].GetStringValue(), f["_id"].GetStringValue())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the session and the cached user",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(profileName())
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := commandContext()
		defer cancel()
		if _, err := api.NewRequestClient(conn).Logout(ctx, nil); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// pairs turns ["k=v", ...] into a map.
func pairs(items []string) (map[string]any, error) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", item)
		}
		out[k] = v
	}
	return out, nil
}
