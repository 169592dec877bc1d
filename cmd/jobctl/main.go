// Command jobctl inspects and controls background jobs over the gRPC
// control service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mtr002/taskmanager/internal/auth"
	"github.com/mtr002/taskmanager/internal/config"
	grpcapi "github.com/mtr002/taskmanager/internal/grpc"
	"github.com/mtr002/taskmanager/internal/logger"
)

const usage = `usage: jobctl [-addr host:port] [-timeout d] <command> [args]

commands:
  status <task_id>    show a job's status
  cancel <task_id>    revoke a job
  active              list running jobs
  workers             list registered workers
  queues              show queue lengths
  token <user_id>     issue an access token using the configured secret
`

func main() {
	addr := flag.String("addr", "localhost:4001", "gRPC control address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	logger.Init("jobctl", "warn", "console")

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, *addr, args[0], args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, cmd string, args []string) (interface{}, error) {
	if cmd == "token" {
		return issueToken(args)
	}

	client, err := grpcapi.NewClient(addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	switch cmd {
	case "status", "cancel":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires a task id", cmd)
		}
		if cmd == "status" {
			return client.GetStatus(ctx, args[0])
		}
		return client.Revoke(ctx, args[0])
	case "active":
		return client.ListActive(ctx)
	case "workers":
		return client.WorkerStats(ctx)
	case "queues":
		return client.QueueLengths(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func issueToken(args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("token requires a user id")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("invalid user id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)
	if err != nil {
		return nil, err
	}
	token, err := tokens.Issue(userID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"access_token": token, "token_type": "bearer"}, nil
}
