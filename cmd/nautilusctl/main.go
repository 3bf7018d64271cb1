package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/frc-emotion/nautilus/internal/profile"
	"github.com/frc-emotion/nautilus/internal/store"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	profileFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "nautilusctl",
	Short: "Inspect a nautilus daemon and its offline queue",
	Long: "Command-line interface for nautilusd.\n" +
		"Shows connectivity, the persisted request queue and the cached user of a profile.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return profile.ValidateName(profileName())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func profileName() string {
	return profile.Resolve(profileFlag)
}

// dial connects to the profile's daemon socket.
func dial(name string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		"unix://"+profile.SocketPath(name),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return conn, nil
}

// openStore opens the profile database without migrating it. The daemon owns
// the schema.
func openStore(name string) (*store.DB, error) {
	path := profile.DBPath(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("profile %q has no data yet (%s)", name, path)
	}
	return store.Open(path)
}

func readKey(ctx context.Context, name, key string) (string, error) {
	db, err := openStore(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	return db.Get(ctx, key)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// toStruct converts any JSON-encodable value into a protobuf Struct so that
// every --json output goes through protojson.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func outputJSON(m proto.Message) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
