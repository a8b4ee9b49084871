package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleet-master/internal/auth"
	"fleet-master/internal/fsutil"
	"fleet-master/internal/rpc"
)

type cli struct {
	cfgFile   string
	masterURL string
	nodeName  string
	keyFile   string

	cfg    cliConfig
	client *rpc.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate fleet node identities against a master",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ~/.fleetctl.yaml)")
	root.PersistentFlags().StringVar(&c.masterURL, "master", "", "master base URL")
	root.PersistentFlags().StringVar(&c.nodeName, "node", "", "this node's name")
	root.PersistentFlags().StringVar(&c.keyFile, "key", "", "this node's private key PEM")

	root.AddCommand(c.keygenCmd(), c.registerKeyCmd(), c.tokenCmd(), c.pingCmd())
	return root
}

func (c *cli) load() error {
	path := c.cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := loadCLIConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.masterURL != "" {
		cfg.MasterURL = c.masterURL
	}
	if c.nodeName != "" {
		cfg.NodeName = c.nodeName
	}
	if c.keyFile != "" {
		cfg.PrivateKey = c.keyFile
	}
	c.cfg = cfg

	opts := rpc.DefaultOptions()
	opts.BaseURL = strings.TrimRight(cfg.MasterURL, "/")
	opts.Timeout = 10 * time.Second
	opts.MaxRetries = 1
	opts.LogLevel = rpc.LogNone
	c.client = rpc.New(opts)
	return nil
}

func (c *cli) requireNode() error {
	if c.cfg.NodeName == "" {
		return fmt.Errorf("node name is required (--node or node_name)")
	}
	if !auth.ValidNodeName(c.cfg.NodeName) {
		return fmt.Errorf("invalid node name %q", c.cfg.NodeName)
	}
	return nil
}

func (c *cli) keygenCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA-2048 key pair for this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireNode(); err != nil {
				return err
			}
			privPEM, pubPEM, err := auth.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			privPath := filepath.Join(outDir, c.cfg.NodeName+".pem")
			pubPath := filepath.Join(outDir, c.cfg.NodeName+".pub.pem")
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			if err := fsutil.WriteFileAtomic(privPath, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := fsutil.WriteFileAtomic(pubPath, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory for the generated PEM files")
	return cmd
}

func (c *cli) registerKeyCmd() *cobra.Command {
	var pubFile string
	cmd := &cobra.Command{
		Use:   "register-key",
		Short: "Register this node's public key with the master using the bootstrap token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireNode(); err != nil {
				return err
			}
			if c.cfg.BootstrapToken == "" {
				return fmt.Errorf("bootstrap_token is not configured")
			}
			if pubFile == "" {
				pubFile = c.cfg.NodeName + ".pub.pem"
			}
			pubPEM, err := os.ReadFile(pubFile)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			if _, err := auth.ParsePublicKeyPEM(pubPEM); err != nil {
				return err
			}

			resp, err := c.client.Post(cmd.Context(), "/api/v1/fleet/register-key",
				map[string]string{"name": c.cfg.NodeName, "public_key": string(pubPEM)},
				rpc.Request{
					Headers: map[string]string{"X-Bootstrap-Token": c.cfg.BootstrapToken},
					NoRaise: true,
					NoRetry: true,
					Source:  "fleetctl.register_key",
				})
			if err != nil {
				return err
			}
			return c.report(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&pubFile, "public-key", "", "public key PEM (default <node>.pub.pem)")
	return cmd
}

func (c *cli) trust() (*auth.TrustManager, error) {
	if err := c.requireNode(); err != nil {
		return nil, err
	}
	priv, err := auth.LoadPrivateKeyFile(c.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return auth.NewTrustManager(auth.TrustConfig{NodeName: c.cfg.NodeName, PrivateKey: priv}), nil
}

func (c *cli) tokenCmd() *cobra.Command {
	var audience string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a fleet token signed with this node's private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm, err := c.trust()
			if err != nil {
				return err
			}
			if audience == "" {
				audience = c.cfg.Audience
			}
			tok, err := tm.IssueToken(audience)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&audience, "audience", "", "token audience (default from config)")
	return cmd
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send a heartbeat for this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm, err := c.trust()
			if err != nil {
				return err
			}
			tok, err := tm.IssueToken(c.cfg.Audience)
			if err != nil {
				return err
			}
			resp, err := c.client.Post(cmd.Context(), "/api/v1/fleet/ping/"+c.cfg.NodeName, nil, rpc.Request{
				Headers: map[string]string{"Authorization": "Bearer " + tok},
				NoRaise: true,
				NoRetry: true,
				Source:  "fleetctl.ping",
			})
			if err != nil {
				return err
			}
			return c.report(cmd, resp)
		},
	}
}

func (c *cli) report(cmd *cobra.Command, resp *rpc.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master answered %d: %s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(resp.Body)))
	return nil
}
