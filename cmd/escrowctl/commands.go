package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"opticgov/cmd/internal/secret"
	"opticgov/native/escrow"
	"opticgov/services/escrowd"
)

const defaultSecretEnv = "ESCROWD_JWT_SECRET"

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		issuer    string
		audience  string
		ttl       time.Duration
		secretEnv string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a caller address",
		Long: `Sign an HS256 token whose subject is the caller address. The signing
secret is read from the environment variable named by --secret-env or
prompted for on the terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(subject) {
				return fmt.Errorf("--subject must be a hex address")
			}
			key, err := secret.NewSource(secretEnv, "token signing secret").Get()
			if err != nil {
				return err
			}
			token, err := escrowd.IssueToken(key, issuer, audience, common.HexToAddress(subject), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "caller address placed in the token subject")
	cmd.Flags().StringVar(&issuer, "issuer", "escrowd", "token issuer")
	cmd.Flags().StringVar(&audience, "audience", "", "token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secretEnv, "secret-env", defaultSecretEnv, "environment variable holding the signing secret")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newWeiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wei <ether>",
		Short: "Convert an ether amount to wei",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := escrow.ParseEther(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v.Dec())
			return nil
		},
	}
}

func newEtherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ether <wei>",
		Short: "Convert a wei amount to ether",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := escrow.ParseWei(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), escrow.FormatEther(v))
			return nil
		},
	}
}

func newEvidenceRefCmd() *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "evidence-ref <file>",
		Short: "Derive a content-addressed evidence reference for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", scheme, crypto.Keccak256Hash(data).Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "keccak256", "reference scheme prefix")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		endpoint string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "verify <project-id>",
		Short: "Fetch a project from escrowd and recheck its evidence hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}
			view, err := fetchProject(cmd, endpoint, token, id)
			if err != nil {
				return err
			}
			project, err := view.ToProject()
			if err != nil {
				return err
			}
			if err := escrow.VerifyEvidence(project); err != nil {
				return err
			}
			entries := 0
			for _, m := range project.Milestones {
				entries += len(m.Evidence)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %d: %d evidence entries verified\n", id, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8085", "escrowd base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ESCROWCTL_TOKEN"), "bearer token (defaults to $ESCROWCTL_TOKEN)")
	return cmd
}

func fetchProject(cmd *cobra.Command, endpoint, token string, id uint64) (*escrowd.ProjectView, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	target := base.JoinPath("api", "v1", "projects", strconv.FormatUint(id, 10))
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("escrowd returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var view escrowd.ProjectView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	return &view, nil
}
