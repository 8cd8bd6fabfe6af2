// Kotoba relays Matrix room conversations to an OpenAI-compatible chat
// completion API and posts the replies back to the room.
//
// Usage:
//
//	kotoba run [-config kotoba.yaml]
//	kotoba login <homeserverUrl> <username> <password>
//	kotoba version
//
// Configuration is read from a .env file in the working directory (when
// present), an optional YAML file (-config or KOTOBA_CONFIG) and the
// environment, the environment taking precedence.
//
// Required environment variables for run:
//
//	MATRIX_HOMESERVER         - homeserver URL (e.g. "https://matrix.org")
//	MATRIX_ACCESS_TOKEN       - bot access token (see `kotoba login`)
//
// Optional environment variables:
//
//	MATRIX_USER_ID            - bot Matrix id (default: resolved with whoami)
//	KOTOBA_DB_PATH            - SQLite database path (default: ./data/kotoba.db)
//	KOTOBA_WINDOW_SIZE        - messages sent as context (default: 10)
//	KOTOBA_MAX_CONCURRENT_TURNS - completion calls in flight (default: 4)
//	KOTOBA_FALLBACK_MESSAGE   - text sent when the backend fails
//	KOTOBA_HEALTH_ADDR        - /health and /status listen address (default: off)
//	KOTOBA_SHUTDOWN_TIMEOUT   - graceful shutdown bound (default: 30s)
//	LLM_API_KEY               - API key for the completion backend
//	LLM_BASE_URL              - override the API base URL (e.g. for Ollama)
//	LLM_MODEL                 - model name (default: gpt-3.5-turbo)
//	LLM_MAX_TOKENS            - max tokens per reply (default: 2048)
//	LLM_TEMPERATURE           - sampling temperature (default: 1)
//	LLM_TIMEOUT               - per-request timeout (default: 120s)
//	LOG_LEVEL                 - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT                - "text" or "json" (default: "text")
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/app"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/matrix"
)

const usage = `usage:
  kotoba run [-config path]
  kotoba login <homeserverUrl> <username> <password>
  kotoba version
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatalf("load .env: %v", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(run(os.Args[2:]))
	case "login":
		login(os.Args[2:])
	case "version":
		fmt.Println(version.Info())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func run(args []string) int {
	fset := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fset.String("config", os.Getenv("KOTOBA_CONFIG"), "path to a YAML config file")
	_ = fset.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	kotoba, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		fatalf("initialize: %v", err)
	}
	return kotoba.Run()
}

func login(args []string) {
	if len(args) != 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	creds, err := matrix.Login(ctx, args[0], args[1], args[2])
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("MATRIX_HOMESERVER=%s\n", creds.Homeserver)
	fmt.Printf("MATRIX_USER_ID=%s\n", creds.UserID)
	fmt.Printf("MATRIX_ACCESS_TOKEN=%s\n", creds.AccessToken)
	fmt.Fprintf(os.Stderr, "logged in as %s (device %s); store these in your .env\n", creds.UserID, creds.DeviceID)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
