package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var errNoSecret = errors.New("webhook secret is required (--secret or POLAR_WEBHOOK_SECRET)")

type options struct {
	v      *viper.Viper
	id     string
	at     int64
	evType string
}

func newRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}
	opts.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "polarkit-sign",
		Short:         "Sign Standard Webhooks payloads for local testing",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("secret", "", "webhook secret (default $POLAR_WEBHOOK_SECRET)")
	root.PersistentFlags().Bool("encoded-secret", false, "treat a whsec_ secret as the base64 signing key (default $POLAR_WEBHOOK_SECRET_ENCODED)")
	root.PersistentFlags().StringVar(&opts.id, "id", "", "webhook-id (default: random msg_<uuid>)")
	root.PersistentFlags().Int64Var(&opts.at, "timestamp", 0, "unix timestamp to sign (default: now)")
	root.PersistentFlags().StringVarP(&opts.evType, "type", "t", "order.created", "event type when no payload file is given")
	_ = opts.v.BindPFlag("POLAR_WEBHOOK_SECRET", root.PersistentFlags().Lookup("secret"))
	_ = opts.v.BindPFlag("POLAR_WEBHOOK_SECRET_ENCODED", root.PersistentFlags().Lookup("encoded-secret"))

	root.AddCommand(signCmd(opts))
	root.AddCommand(sendCmd(opts))
	return root
}

func signCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sign [payload.json|-]",
		Short: "Print the webhook headers for a payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), args, opts.evType)
			if err != nil {
				return err
			}
			h, err := opts.sign(body)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", webhook.HeaderID, h.ID)
			fmt.Fprintf(out, "%s: %s\n", webhook.HeaderTimestamp, h.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", webhook.HeaderSignature, h.Signature)
			return nil
		},
	}
}

func sendCmd(opts *options) *cobra.Command {
	var target string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [payload.json|-]",
		Short: "Sign a payload and POST it to a webhook endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), args, opts.evType)
			if err != nil {
				return err
			}
			h, err := opts.sign(body)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, respBody, err := deliver(ctx, target, h, body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n%s\n", status, http.StatusText(status), respBody)
			if status >= 300 {
				return fmt.Errorf("delivery %s rejected with status %d", h.ID, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "url", "u", "http://localhost:8080/polar/webhooks", "webhook endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func (o *options) sign(body []byte) (webhook.Headers, error) {
	secret := strings.TrimSpace(o.v.GetString("POLAR_WEBHOOK_SECRET"))
	if secret == "" {
		return webhook.Headers{}, errNoSecret
	}
	var signOpts []webhook.SignerOption
	if o.v.GetBool("POLAR_WEBHOOK_SECRET_ENCODED") {
		signOpts = append(signOpts, webhook.SignWithEncodedSecret())
	}
	signer, err := webhook.NewSigner(secret, signOpts...)
	if err != nil {
		return webhook.Headers{}, err
	}

	id := o.id
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	ts := time.Now()
	if o.at > 0 {
		ts = time.Unix(o.at, 0)
	}
	return signer.Sign(id, ts, body)
}

// readPayload reads the file named by args[0] ("-" is stdin). Without an
// argument a minimal event of evType is generated.
func readPayload(stdin io.Reader, args []string, evType string) ([]byte, error) {
	if len(args) == 0 {
		return json.Marshal(map[string]interface{}{
			"type":      evType,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      map[string]interface{}{"id": uuid.NewString()},
		})
	}

	var body []byte
	var err error
	if args[0] == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("payload is empty")
	}
	return body, nil
}

func deliver(ctx context.Context, target string, h webhook.Headers, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	h.Apply(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(respBody), nil
}
