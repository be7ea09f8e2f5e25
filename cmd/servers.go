package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/comfyfleet/internal/config"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage the configured ComfyUI servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Servers) == 0 {
			cmd.Println("no servers configured")
			return nil
		}
		for _, s := range cfg.Servers {
			cmd.Printf("%s%s\n", s.URL, serverAuthSuffix(s))
		}
		return nil
	},
}

var (
	addUsername    string
	addPassword    string
	addBearerToken string
	addHeaders     []string
	addWSTimeout   time.Duration
)

var serversAddCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Add a server to the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := config.ServerConfig{
			URL:         args[0],
			Username:    addUsername,
			Password:    addPassword,
			BearerToken: addBearerToken,
			WSTimeout:   addWSTimeout,
		}
		if len(addHeaders) > 0 {
			server.Headers = make(map[string]string, len(addHeaders))
			for _, h := range addHeaders {
				key, value, found := strings.Cut(h, "=")
				if !found || key == "" {
					return fmt.Errorf("header %q must be key=value", h)
				}
				server.Headers[key] = value
			}
		}

		if err := config.ValidateServers(append(cfg.Servers, server)); err != nil {
			return err
		}
		if err := config.AddServer(configFilePath(), server, cfg.Servers); err != nil {
			return err
		}
		cmd.Printf("added %s\n", server.URL)
		return nil
	},
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove URL",
	Short: "Remove a server from the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RemoveServer(configFilePath(), args[0], cfg.Servers); err != nil {
			return err
		}
		cmd.Printf("removed %s\n", args[0])
		return nil
	},
}

func serverAuthSuffix(s config.ServerConfig) string {
	switch {
	case s.BearerToken != "":
		return "  (bearer token)"
	case s.Username != "":
		return "  (basic auth: " + s.Username + ")"
	default:
		return ""
	}
}

func init() {
	serversAddCmd.Flags().StringVar(&addUsername, "username", "", "basic auth username")
	serversAddCmd.Flags().StringVar(&addPassword, "password", "", "basic auth password")
	serversAddCmd.Flags().StringVar(&addBearerToken, "bearer-token", "", "bearer token")
	serversAddCmd.Flags().StringArrayVar(&addHeaders, "header", nil,
		"extra header sent on every request (key=value, repeatable)")
	serversAddCmd.Flags().DurationVar(&addWSTimeout, "ws-timeout", 0,
		"idle watchdog threshold for the event channel")

	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversRemoveCmd)
	rootCmd.AddCommand(serversCmd)
}
