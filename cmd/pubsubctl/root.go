package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/enmasse"
	"github.com/coregx/gopubsub/model"
)

// DefaultTopicPatterns grants publish and subscribe on every topic.
const DefaultTopicPatterns = "pub=/*,sub=/*"

// options are the persistent flags shared by every command.
type options struct {
	server        string
	adminUser     string
	adminPassword string
	timeout       time.Duration
	verbose       bool

	out io.Writer
	log *logrus.Logger
}

func (o *options) client() *client {
	if o.verbose {
		o.log.SetLevel(logrus.DebugLevel)
	}
	return newClient(o.server, o.adminUser, o.adminPassword, o.timeout, o.log)
}

func (o *options) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	o := &options{out: out, log: log}

	root := &cobra.Command{
		Use:           "pubsubctl",
		Short:         "Manage a pubsub-server through its admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&o.server, "server", envOr("PUBSUB_SERVER", "http://localhost:44556"), "server base URL")
	flags.StringVar(&o.adminUser, "admin-user", envOr("PUBSUB_ADMIN_USERNAME", "admin"), "admin username")
	flags.StringVar(&o.adminPassword, "admin-password", os.Getenv("PUBSUB_ADMIN_PASSWORD"), "admin password")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log requests")

	root.AddCommand(
		newEndpointCmd(o),
		newEnmasseCmd(o),
		newDiagnosticsCmd(o),
		newQueueCmd(o),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newEndpointCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Create or delete endpoints",
	}

	var (
		req      pubsub.EndpointRequest
		role     string
		isActive bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an endpoint with its security definition and topic permissions",
		Long: `
Create an endpoint. A password is generated unless one is given. For example:

pubsubctl endpoint create --name orders --role publisher --topic-patterns "pub=/demo/*"
`,
		RunE: func(_ *cobra.Command, _ []string) error {
			req.Role = model.EndpointRole(role)
			req.IsActive = &isActive

			ctx, cancel := o.context()
			defer cancel()

			var res pubsub.EndpointResult
			if err := o.client().doJSON(ctx, "POST", "/pubsub/admin/endpoint", req, &res); err != nil {
				return err
			}

			fmt.Fprintf(o.out, "Endpoint `%s` created (id:%d, role:%s, security:%s)\n",
				res.Endpoint.Name, res.Endpoint.ID, res.Endpoint.Role, res.Security.Name)
			if res.Password != "" {
				fmt.Fprintf(o.out, "Generated password: %s\n", res.Password)
			}
			return nil
		},
	}
	create.Flags().StringVar(&req.Name, "name", "", "endpoint name")
	create.Flags().StringVar(&role, "role", string(model.RolePublisherSubscriber), "publisher, subscriber or publisher_subscriber")
	create.Flags().BoolVar(&isActive, "is-active", true, "whether the endpoint may connect")
	create.Flags().StringVar(&req.TopicPatterns, "topic-patterns", DefaultTopicPatterns, "comma-separated pub=/sub= topic patterns")
	create.Flags().Int64Var(&req.WSXID, "wsx-id", 0, "WebSocket channel ID, for WebSocket endpoints")
	create.Flags().StringVar(&req.Username, "username", "", "username (default: the endpoint name)")
	create.Flags().StringVar(&req.Password, "password", "", "password (default: generated)")
	create.Flags().StringVar(&req.SecurityName, "security", "", "use an existing security definition")
	_ = create.MarkFlagRequired("name")

	var deleteName string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an endpoint and its subscriptions",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := o.context()
			defer cancel()

			var res struct {
				SubKeys []string `json:"sub_keys"`
			}
			if err := o.client().doJSON(ctx, "DELETE", "/pubsub/admin/endpoint/"+url.PathEscape(deleteName), nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Endpoint `%s` deleted, %d subscription(s) removed\n", deleteName, len(res.SubKeys))
			return nil
		},
	}
	del.Flags().StringVar(&deleteName, "name", "", "endpoint name")
	_ = del.MarkFlagRequired("name")

	cmd.AddCommand(create, del)
	return cmd
}

func newEnmasseCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enmasse",
		Short: "Import or export the bulk configuration",
	}

	var importFile string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML document",
		RunE: func(_ *cobra.Command, _ []string) error {
			f, err := os.Open(importFile)
			if err != nil {
				return err
			}
			defer f.Close()

			// Validate locally first so mistakes are reported before anything is sent.
			doc, err := enmasse.Parse(f)
			if err != nil {
				return err
			}
			data, err := enmasse.Marshal(doc)
			if err != nil {
				return err
			}

			ctx, cancel := o.context()
			defer cancel()

			body, err := o.client().do(ctx, "POST", "/pubsub/admin/enmasse", "application/yaml", bytes.NewReader(data))
			if err != nil {
				return err
			}
			var res struct {
				Result enmasse.Result `json:"result"`
			}
			if err := json.Unmarshal(body, &res); err != nil {
				return err
			}
			out, err := yaml.Marshal(res.Result)
			if err != nil {
				return err
			}
			_, err = o.out.Write(out)
			return err
		},
	}
	imp.Flags().StringVarP(&importFile, "file", "f", "", "YAML document to import")
	_ = imp.MarkFlagRequired("file")

	var exportFile string
	exp := &cobra.Command{
		Use:   "export",
		Short: "Export the configuration as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := o.context()
			defer cancel()

			data, err := o.client().do(ctx, "GET", "/pubsub/admin/enmasse", "", nil)
			if err != nil {
				return err
			}
			if exportFile == "" {
				_, err = o.out.Write(data)
				return err
			}
			if err := os.WriteFile(exportFile, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Exported to %s\n", exportFile)
			return nil
		},
	}
	exp.Flags().StringVarP(&exportFile, "file", "f", "", "write to this file instead of stdout")

	cmd.AddCommand(imp, exp)
	return cmd
}

func newDiagnosticsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Print the server's registry as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := o.context()
			defer cancel()

			data, err := o.client().do(ctx, "GET", "/pubsub/admin/diagnostics", "", nil)
			if err != nil {
				return err
			}
			_, err = o.out.Write(data)
			return err
		},
	}
}

func newQueueCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage subscription queues",
	}

	var subKey string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every undelivered message of a subscription",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := o.context()
			defer cancel()

			var res struct {
				Count int `json:"count"`
			}
			in := map[string]string{"sub_key": subKey}
			if err := o.client().doJSON(ctx, "POST", "/pubsub/admin/queue/clear", in, &res); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Cleared %d message(s) from `%s`\n", res.Count, subKey)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&subKey, "sub-key", "", "sub_key of the subscription")
	_ = clearCmd.MarkFlagRequired("sub-key")

	cmd.AddCommand(clearCmd)
	return cmd
}
