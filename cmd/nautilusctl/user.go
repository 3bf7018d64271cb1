package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/frc-emotion/nautilus/internal/auth"
	"github.com/frc-emotion/nautilus/internal/store"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userShowCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect the cached user",
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the user last confirmed by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		raw, err := readKey(ctx, profileName(), store.KeyUser)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("No cached user.")
			return nil
		}
		if err != nil {
			return err
		}

		if jsonFlag {
			s := &structpb.Struct{}
			if err := protojson.Unmarshal([]byte(raw), s); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
			return outputJSON(s)
		}

		var u auth.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		fmt.Printf("ID:    %s\n", u.ID)
		fmt.Printf("Name:  %s\n", u.Name())
		fmt.Printf("Email: %s\n", u.Email)
		fmt.Printf("Role:  %s\n", u.Role)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with bearer tokens",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <jwt>",
	Short: "Decode a token's claims without verifying its signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := auth.Decode(args[0])
		if err != nil {
			return err
		}

		if jsonFlag {
			s, err := structpb.NewStruct(claims.Raw)
			if err != nil {
				return err
			}
			return outputJSON(s)
		}

		now := time.Now()
		state := "valid"
		if claims.Expired(now) {
			state = "EXPIRED"
		}
		fmt.Printf("Subject: %s\n", claims.Subject)
		if !claims.IssuedAt.IsZero() {
			fmt.Printf("Issued:  %s\n", claims.IssuedAt.Local().Format(time.RFC3339))
		}
		fmt.Printf("Expires: %s (%s)\n", claims.ExpiresAt.Local().Format(time.RFC3339), state)

		keys := make([]string, 0, len(claims.Raw))
		for k := range claims.Raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Claims:")
		for _, k := range keys {
			fmt.Printf("  %-12s %v\n", k, claims.Raw[k])
		}
		return nil
	},
}
