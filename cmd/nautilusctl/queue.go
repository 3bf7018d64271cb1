package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frc-emotion/nautilus/internal/request"
	"github.com/frc-emotion/nautilus/internal/store"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persisted request queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests waiting for connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		items, err := loadQueue(ctx, profileName())
		if err != nil {
			return err
		}

		if jsonFlag {
			list := &structpb.ListValue{}
			for _, item := range items {
				s, err := toStruct(item)
				if err != nil {
					return err
				}
				list.Values = append(list.Values, structpb.NewStructValue(s))
			}
			return outputJSON(list)
		}

		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, item := range items {
			kind := item.Kind
			if kind == "" {
				kind = "-"
			}
			fmt.Printf("%-36s %-6s %-40s %-20s retry=%d queued %s\n",
				item.ID, item.Method, item.URL, kind, item.RetryCount,
				item.CreatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func loadQueue(ctx context.Context, name string) ([]request.Request, error) {
	raw, err := readKey(ctx, name, store.KeyRequestQueue)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []request.Request
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return items, nil
}
