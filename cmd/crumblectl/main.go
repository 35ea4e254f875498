// Command crumblectl is an HTTP client for crumbled: encode and decode the
// JSON request/response shapes pkg/server exposes. Structured after the
// teacher's cmd/kmsClient/main.go: one global --server flag, one
// subcommand per RPC, each building a request body, POSTing/GETing it, and
// printing the decoded JSON response.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "crumblectl",
		Usage: "client for the crumbled contract execution daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:7420",
				Usage:   "crumbled base URL",
				EnvVars: []string{"CRUMBLE_SERVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "open",
				Usage:  "open a session, optionally rooted at an existing commit",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "base", Usage: "commit root hash to resume from"}},
				Action: cmdOpen,
			},
			{
				Name:   "close",
				Usage:  "close a session",
				Flags:  []cli.Flag{sessionFlag()},
				Action: cmdClose,
			},
			{
				Name:  "deploy",
				Usage: "deploy bytecode as a new contract",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "bytecode-file", Required: true, Usage: "path to compiled module bytes"},
					&cli.StringFlag{Name: "contract-id", Usage: "explicit hex contract id override"},
					&cli.StringFlag{Name: "flavor", Value: "wasm32", Usage: "wasm32 or wasm64"},
					&cli.StringFlag{Name: "init-arg", Usage: "hex-encoded init argument"},
					&cli.StringFlag{Name: "owner", Usage: "hex-encoded owner bytes"},
					&cli.Uint64Flag{Name: "gas-limit", Value: 10_000_000},
				},
				Action: cmdDeploy,
			},
			{
				Name:  "call",
				Usage: "call an exported function (call_raw semantics)",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "contract-id", Required: true},
					&cli.StringFlag{Name: "fn", Required: true},
					&cli.StringFlag{Name: "arg", Usage: "hex-encoded argument"},
					&cli.Uint64Flag{Name: "gas-limit", Value: 10_000_000},
				},
				Action: cmdCall,
			},
			{
				Name:  "migrate",
				Usage: "atomically replace a contract's bytecode and state",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "contract-id", Required: true},
					&cli.StringFlag{Name: "bytecode-file", Required: true},
					&cli.StringFlag{Name: "data", Usage: "hex-encoded argument passed to the replacement's init"},
					&cli.Uint64Flag{Name: "gas-limit", Value: 10_000_000},
				},
				Action: cmdMigrate,
			},
			{
				Name:   "root",
				Usage:  "print the session's current (uncommitted) root",
				Flags:  []cli.Flag{sessionFlag()},
				Action: cmdRoot,
			},
			{
				Name:   "commit",
				Usage:  "seal and persist the session's working commit",
				Flags:  []cli.Flag{sessionFlag()},
				Action: cmdCommit,
			},
			{
				Name:  "memory-pages",
				Usage: "list a contract's touched pages and their contents",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "contract-id", Required: true},
				},
				Action: cmdMemoryPages,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "crumblectl: %v\n", err)
		os.Exit(1)
	}
}

func sessionFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "session", Aliases: []string{"id"}, Required: true, Usage: "session id returned by \"open\""}
}

func hexFlag(c *cli.Context, name string) (string, error) {
	v := c.String(name)
	if v == "" {
		return "", nil
	}
	if _, err := hex.DecodeString(v); err != nil {
		return "", fmt.Errorf("--%s must be hex-encoded: %w", name, err)
	}
	return v, nil
}

func doRequest(c *cli.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.String("server")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", c.String("server"), err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

func printResult(out map[string]any) error {
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func cmdOpen(c *cli.Context) error {
	out, err := doRequest(c, http.MethodPost, "/sessions", map[string]string{"base": c.String("base")})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdClose(c *cli.Context) error {
	out, err := doRequest(c, http.MethodPost, "/sessions/close", map[string]string{"session_id": c.String("session")})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdDeploy(c *cli.Context) error {
	bytecode, err := os.ReadFile(c.String("bytecode-file"))
	if err != nil {
		return fmt.Errorf("reading bytecode file: %w", err)
	}
	initArg, err := hexFlag(c, "init-arg")
	if err != nil {
		return err
	}
	owner, err := hexFlag(c, "owner")
	if err != nil {
		return err
	}

	out, err := doRequest(c, http.MethodPost, "/sessions/deploy", map[string]any{
		"session_id":  c.String("session"),
		"bytecode":    hex.EncodeToString(bytecode),
		"contract_id": c.String("contract-id"),
		"flavor":      c.String("flavor"),
		"init_arg":    initArg,
		"owner":       owner,
		"gas_limit":   c.Uint64("gas-limit"),
	})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdCall(c *cli.Context) error {
	arg, err := hexFlag(c, "arg")
	if err != nil {
		return err
	}
	out, err := doRequest(c, http.MethodPost, "/sessions/call", map[string]any{
		"session_id":  c.String("session"),
		"contract_id": c.String("contract-id"),
		"fn":          c.String("fn"),
		"arg":         arg,
		"gas_limit":   c.Uint64("gas-limit"),
	})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdMigrate(c *cli.Context) error {
	bytecode, err := os.ReadFile(c.String("bytecode-file"))
	if err != nil {
		return fmt.Errorf("reading bytecode file: %w", err)
	}
	data, err := hexFlag(c, "data")
	if err != nil {
		return err
	}
	out, err := doRequest(c, http.MethodPost, "/sessions/migrate", map[string]any{
		"session_id":   c.String("session"),
		"contract_id":  c.String("contract-id"),
		"new_bytecode": hex.EncodeToString(bytecode),
		"data":         data,
		"gas_limit":    c.Uint64("gas-limit"),
	})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdRoot(c *cli.Context) error {
	out, err := doRequest(c, http.MethodGet, "/sessions/root?session_id="+c.String("session"), nil)
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdCommit(c *cli.Context) error {
	out, err := doRequest(c, http.MethodPost, "/sessions/commit", map[string]string{"session_id": c.String("session")})
	if err != nil {
		return err
	}
	return printResult(out)
}

func cmdMemoryPages(c *cli.Context) error {
	out, err := doRequest(c, http.MethodGet, "/sessions/memory_pages?session_id="+c.String("session")+"&contract_id="+c.String("contract-id"), nil)
	if err != nil {
		return err
	}
	return printResult(out)
}
