package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fingerauth",
		Short: "Fingerprint enrollment and matching",
		Long: `fingerauth enrolls fingerprints from an R30x-family sensor, stores templates,
and verifies or identifies probe images against them.`,
	}

	rootCmd.AddCommand(newEnrollCmd(root))
	rootCmd.AddCommand(newVerifyCmd(root))
	rootCmd.AddCommand(newIdentifyCmd(root))
	rootCmd.AddCommand(newMatchDirCmd(root))
	rootCmd.AddCommand(newDecodeCmd(root))
	rootCmd.AddCommand(newCaptureCmd(root))
	rootCmd.AddCommand(newEraseCmd(root))
	rootCmd.AddCommand(newTemplatesCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newSignupCmd(root))
	rootCmd.AddCommand(newSigninCmd(root))
	rootCmd.AddCommand(newLogoutCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newEnrollCmd(root *Root) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a finger from the sensor",
		Long: `Capture the same finger twice, check both samples agree, and store the
resulting template under the given subject.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdEnroll(cmd.Context(), subject)
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "name the template is stored under")
	return cmd
}

func newVerifyCmd(root *Root) *cobra.Command {
	var template string
	cmd := &cobra.Command{
		Use:   "verify <probe> [reference]",
		Short: "Compare a probe image with a reference image or template",
		Example: `  fingerauth verify probe.png reference.png
  fingerauth verify probe.png --template tpl-1234`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reference := ""
			if len(args) > 1 {
				reference = args[1]
			}
			return root.cmdVerify(cmd.Context(), args[0], reference, template)
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "", "stored template id to verify against")
	return cmd
}

func newIdentifyCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "identify <probe>",
		Short: "Search all stored templates for a probe image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdIdentify(cmd.Context(), args[0])
		},
	}
}

func newMatchDirCmd(root *Root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "match-dir <directory>",
		Short: "Compare every pair of images in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdMatchDir(cmd.Context(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func newDecodeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <raw> <output>",
		Short: "Convert a raw sensor dump to PNG or PGM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdDecode(args[0], args[1])
		},
	}
}

func newCaptureCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "capture <output>",
		Short: "Capture one image from the sensor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdCapture(cmd.Context(), args[0])
		},
	}
}

func newEraseCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "erase",
		Short: "Clear the sensor's on-board template memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdErase(cmd.Context())
		},
	}
}

func newTemplatesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage stored templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTemplatesList()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTemplatesDelete(args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export <id> <file>",
		Short: "Write a template's CBOR encoding to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTemplatesExport(args[0], args[1])
		},
	})
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing verify, identify, enroll and template
management, plus a websocket stream of job results and enrollment progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.HTTPAddr
			}
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Start the gRPC matcher service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			return root.grpcFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [directory]",
		Short: "Identify every image dropped into an inbox directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			return root.cmdWatch(cmd.Context(), dir)
		},
	}
}

func newSignupCmd(root *Root) *cobra.Command {
	var opts signupOptions
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register an account with an enrolled template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdSignup(opts)
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "account name")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password")
	cmd.Flags().StringVar(&opts.DroneID, "drone-id", "", "drone identifier")
	cmd.Flags().StringVar(&opts.PilotID, "pilot-id", "", "pilot identifier")
	cmd.Flags().StringVar(&opts.Address, "address", "", "postal address")
	cmd.Flags().StringVar(&opts.Template, "template", "", "stored template id to attach")
	return cmd
}

func newSigninCmd(root *Root) *cobra.Command {
	var (
		username string
		password string
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in to the credential service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdSignin(username, password, save)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&save, "save-template", false, "store the returned template locally")
	return cmd
}

func newLogoutCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the stored credential session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdLogout()
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
