package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const usage = `usage: testclient [-server addr] <command> [args]

commands:
  start                 start a session
  stop                  stop the active session
  status                show pipeline status
  current               show the active session and live transcripts
  list                  list saved sessions
  recent [limit]        list recent sessions from the index
  show <id>             show a saved session
  export <id> [format]  export a session (json, txt, csv)
  delete <id>           delete a saved session
  model <name>          switch the local model
  recordings            list recordings
`

func main() {
	_ = godotenv.Load()

	def := os.Getenv("TESTCLIENT_SERVER")
	if def == "" {
		def = "localhost:8080"
	}
	server := flag.String("server", def, "Control API address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + *server, http: &http.Client{Timeout: 60 * time.Second}}
	var err error
	switch args[0] {
	case "start":
		err = c.do(http.MethodPost, "/v1/sessions", nil)
	case "stop":
		err = c.do(http.MethodPost, "/v1/sessions/stop", nil)
	case "status":
		err = c.do(http.MethodGet, "/v1/status", nil)
	case "current":
		err = c.do(http.MethodGet, "/v1/sessions/current", nil)
	case "list":
		err = c.do(http.MethodGet, "/v1/sessions", nil)
	case "recent":
		path := "/v1/sessions/recent"
		if len(args) > 1 {
			path += "?limit=" + url.QueryEscape(args[1])
		}
		err = c.do(http.MethodGet, path, nil)
	case "show":
		err = c.withID(args, func(id string) error { return c.do(http.MethodGet, "/v1/sessions/"+id, nil) })
	case "export":
		err = c.withID(args, func(id string) error {
			format := "json"
			if len(args) > 2 {
				format = args[2]
			}
			return c.do(http.MethodGet, "/v1/sessions/"+id+"/export?format="+url.QueryEscape(format), nil)
		})
	case "delete":
		err = c.withID(args, func(id string) error { return c.do(http.MethodDelete, "/v1/sessions/"+id, nil) })
	case "model":
		err = c.withID(args, func(model string) error {
			return c.do(http.MethodPut, "/v1/local/model", map[string]string{"model": model})
		})
	case "recordings":
		err = c.do(http.MethodGet, "/v1/recordings", nil)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) withID(args []string, fn func(string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("%s needs an argument", args[0])
	}
	return fn(url.PathEscape(args[1]))
}

// do sends the request and prints the response body. Non-2xx responses are errors.
func (c *client) do(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, out, "", "  ") == nil {
			out = pretty.Bytes()
		}
		fmt.Println(string(bytes.TrimSpace(out)))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
