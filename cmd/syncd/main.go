package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"github.com/tabledesk/realtime"
)

const Version = "0.1.0"

func main() {
	usage := `Tabledesk realtime sync gateway.

Usage:
    syncd run [--port=<port>] [--jwt_secret=<jwt_secret>]
    syncd token --user_id=<user_id> [--jwt_secret=<jwt_secret>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --jwt_secret=<jwt_secret>    HMAC signing key [default: dev-secret].
    --user_id=<user_id>          User to mint a dev token for.
    -p --port=<port>             Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		mintToken(opts)
	}
}

// the sample users and resources stand in for the business layer.
// a production deployment implements the collaborator interfaces
// against the real services.

var sampleUsers = map[string]*realtime.User{
	"admin-1":   {Id: "admin-1", Name: "Ana", Role: realtime.RoleAdmin, Active: true},
	"waiter-1":  {Id: "waiter-1", Name: "Walt", Role: realtime.RoleWaiter, Active: true},
	"kitchen-1": {Id: "kitchen-1", Name: "Kim", Role: realtime.RoleKitchen, Active: true},
}

type staticUserDirectory struct{}

func (self *staticUserDirectory) FindUserById(userId string) (*realtime.User, error) {
	user, ok := sampleUsers[userId]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", userId)
	}
	return user, nil
}

func seedProvider(provider *realtime.MemoryProvider) {
	now := time.Now().Format(time.RFC3339)
	provider.Seed(realtime.ResourceTable, "table-1", map[string]any{
		"id": "table-1", "status": "occupied", "capacity": 4, "updatedAt": now,
	})
	provider.Seed(realtime.ResourceTable, "table-2", map[string]any{
		"id": "table-2", "status": "free", "capacity": 2, "updatedAt": now,
	})
	provider.Seed(realtime.ResourceOrder, "order-1", map[string]any{
		"id": "order-1", "status": "open", "totalAmount": 42.5, "tableId": "table-1",
		"items": []any{
			map[string]any{"id": "item-1", "status": "pending", "updatedAt": now},
		},
		"updatedAt": now,
	})
	provider.Seed(realtime.ResourceOrderItem, "item-1", map[string]any{
		"id": "item-1", "orderId": "order-1", "status": "pending",
		"specialInstructions": "", "updatedAt": now,
	})
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	jwtSecret, _ := opts.String("--jwt_secret")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := realtime.NewMemoryProvider()
	seedProvider(provider)

	gateway := realtime.NewGatewayWithDefaults(
		cancelCtx,
		realtime.NewJwtVerifier([]byte(jwtSecret)),
		&staticUserDirectory{},
		provider,
		provider,
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		glog.Infof("[syncd]listening on :%d\n", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("[syncd]listen error = %s\n", err)
			cancel()
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-signals:
	case <-cancelCtx.Done():
	}

	glog.Infof("[syncd]shutting down\n")
	gateway.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func mintToken(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	jwtSecret, _ := opts.String("--jwt_secret")

	user, ok := sampleUsers[userId]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown user: %s\n", userId)
		os.Exit(1)
	}

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": user.Id,
		"role":    string(user.Role),
		"iat":     time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signed)
}
