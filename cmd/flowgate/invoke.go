package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
)

// Exit codes for the invoke command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

var (
	invokeGatewayURL string
	invokeAPIKey     string
	invokeChannel    string
	invokeMethod     string
	invokeArgs       string
	invokeTimeout    int
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Invoke a channel method on a running gateway",
	Long: `Call a channel method through the gateway HTTP API and print the
result. The call blocks until a presentation surface reports the outcome.

Examples:
  flowgate invoke --channel braintree.drop_in --method start --args '{"clientToken":"sandbox_xxx"}'
  flowgate invoke --channel braintree.custom --method requestPaypalNonce \
    --args '{"authorization":"sandbox_xxx","amount":"10.00","currencyCode":"USD"}'

Exit codes:
  0  success (a cancelled flow prints null)
  1  flow failure or unexpected response
  2  rejected (invalid input, flow already running, unauthorized)
  3  gateway unavailable or request timed out`,
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVar(&invokeGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or FLOWGATE_GATEWAY_URL env)")
	invokeCmd.Flags().StringVar(&invokeAPIKey, "api-key", "", "API key (or FLOWGATE_API_KEY env)")
	invokeCmd.Flags().StringVarP(&invokeChannel, "channel", "c", "braintree.drop_in", "channel name")
	invokeCmd.Flags().StringVarP(&invokeMethod, "method", "m", "", "method name (required)")
	invokeCmd.Flags().StringVarP(&invokeArgs, "args", "a", "{}", "method arguments as a JSON object")
	invokeCmd.Flags().IntVar(&invokeTimeout, "timeout", 600, "timeout in seconds")

	_ = invokeCmd.MarkFlagRequired("method")
}

func runInvoke(_ *cobra.Command, _ []string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(invokeArgs), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	apiKey := goutils.Env("FLOWGATE_API_KEY", invokeAPIKey)
	gatewayURL := strings.TrimRight(goutils.Env("FLOWGATE_GATEWAY_URL", invokeGatewayURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(invokeTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"method":    invokeMethod,
		"arguments": args,
	})
	endpoint := gatewayURL + "/v1/channels/" + url.PathEscape(invokeChannel) + "/invoke"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var errBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Result json.RawMessage `json:"result"`
		}
		_ = json.Unmarshal(respBody, &result)
		var out bytes.Buffer
		if err := json.Indent(&out, result.Result, "", "  "); err != nil {
			fmt.Println(string(result.Result))
		} else {
			fmt.Println(out.String())
		}
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitRejected)

	case http.StatusBadRequest, http.StatusConflict, http.StatusNotImplemented:
		_ = json.Unmarshal(respBody, &errBody)
		fmt.Fprintf(os.Stderr, "Rejected: %s: %s\n", errBody.Code, errBody.Message)
		os.Exit(ExitRejected)

	case http.StatusBadGateway:
		_ = json.Unmarshal(respBody, &errBody)
		fmt.Fprintf(os.Stderr, "Flow failed: %s: %s\n", errBody.Code, errBody.Message)
		os.Exit(ExitFailure)

	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}
