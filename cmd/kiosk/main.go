// cmd/kiosk is the customer-facing pickup display. It watches the preparing and pickup
// boards over gRPC and renders them in the terminal.
//
// Environment: KIOSK_SERVER (default localhost:50051), KIOSK_TOKEN (a kiosk JWT),
// KIOSK_TITLE.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ericchongums/kopikap-dashboard/internal/board"
	grpcserver "github.com/ericchongums/kopikap-dashboard/internal/grpc"
	"github.com/ericchongums/kopikap-dashboard/internal/kiosk"
)

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	token := os.Getenv("KIOSK_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "KIOSK_TOKEN is not set")
		os.Exit(1)
	}

	cc, err := grpc.NewClient(getEnv("KIOSK_SERVER", "localhost:50051"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating client: %v\n", err)
		os.Exit(1)
	}
	defer cc.Close()
	client := grpcserver.NewClient(cc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	open := func(ctx context.Context, name string) (kiosk.Stream, error) {
		return client.WatchBoard(ctx, name)
	}

	p := tea.NewProgram(kiosk.New(getEnv("KIOSK_TITLE", "Kopi Kap")), tea.WithAltScreen())
	for _, name := range []string{board.NamePreparing, board.NamePickup} {
		go kiosk.Pump(ctx, open, name, p.Send)
	}

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
