package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/spf13/cobra"
)

func findApp(cfg config.Config, appID string) (configtypes.App, error) {
	if appID == "" {
		if len(cfg.Apps) != 1 {
			return configtypes.App{}, errors.New("app id required when config has more than one app")
		}
		return cfg.Apps[0], nil
	}
	for _, app := range cfg.Apps {
		if app.ID == appID {
			return app, nil
		}
	}
	return configtypes.App{}, fmt.Errorf("app not found: %s", appID)
}

type signChannelOptions struct {
	configFile  string
	appID       string
	key         string
	secret      string
	socketID    string
	channel     string
	channelData string
}

func SignChannel() *cobra.Command {
	var opts signChannelOptions
	cmd := &cobra.Command{
		Use:   "signchannel [channel]",
		Short: "Generate subscription auth for private or presence channel",
		Long:  `Generate value of auth field of pusher:subscribe. Credentials are taken from --key and --secret or from app in config file`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 1 {
				opts.channel = args[0]
			}
			out, err := signChannel(cmd, opts)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(out)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "config.json", "path to config file")
	cmd.Flags().StringVarP(&opts.appID, "app", "a", "", "app id, may be omitted when config has one app")
	cmd.Flags().StringVar(&opts.key, "key", "", "app key, config file is not used when set together with --secret")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "app secret")
	cmd.Flags().StringVarP(&opts.socketID, "socket-id", "s", "", "socket id received in pusher:connection_established")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel name")
	cmd.Flags().StringVarP(&opts.channelData, "channel-data", "d", "", "channel_data JSON of presence channel member")
	_ = cmd.MarkFlagRequired("socket-id")
	return cmd
}

func signChannel(cmd *cobra.Command, opts signChannelOptions) (string, error) {
	if opts.channel == "" {
		return "", errors.New("channel required")
	}
	key, secret := opts.key, opts.secret
	if key == "" || secret == "" {
		cfg, _, err := config.GetConfig(cmd, opts.configFile)
		if err != nil {
			return "", fmt.Errorf("error getting config: %w", err)
		}
		app, err := findApp(cfg, opts.appID)
		if err != nil {
			return "", err
		}
		key, secret = app.Key, app.Secret
	}
	return auth.NewValidator(key, secret).Token(opts.socketID, opts.channel, opts.channelData), nil
}

func SignRequest() *cobra.Command {
	var configFile string
	var appID string
	var method string
	var body string
	cmd := &cobra.Command{
		Use:   "signrequest [path]",
		Short: "Sign HTTP API request",
		Long:  `Print HTTP API request path with auth query parameters, path may contain query`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := signRequest(cmd, configFile, appID, method, args[0], body, time.Now())
			if err != nil {
				fmt.Printf("error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(out)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "path to config file")
	cmd.Flags().StringVarP(&appID, "app", "a", "", "app id, may be omitted when config has one app")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&body, "body", "b", "", "request body")
	return cmd
}

func signRequest(cmd *cobra.Command, configFile, appID, method, target, body string, now time.Time) (string, error) {
	cfg, _, err := config.GetConfig(cmd, configFile)
	if err != nil {
		return "", fmt.Errorf("error getting config: %w", err)
	}
	app, err := findApp(cfg, appID)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("malformed path: %w", err)
	}
	if !strings.HasPrefix(u.Path, "/apps/") {
		u.Path = "/apps/" + app.ID + "/" + strings.TrimPrefix(u.Path, "/")
	}
	query := auth.NewValidator(app.Key, app.Secret).SignQuery(strings.ToUpper(method), u.Path, u.Query(), []byte(body), now)
	return u.Path + "?" + query.Encode(), nil
}
