package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/vault"
)

var (
	flagDir      string
	flagLogLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vaultmesh",
		Short:        "manage the key lifecycle of a multi-device encrypted vault",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flagDir, "dir", defaultDir(), "vault directory")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	bindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		initCmd(),
		statusCmd(),
		devicesCmd(),
		registerCmd(),
		revokeCmd(),
		recoverCmd(),
		vetoCmd(),
	)
	return cmd
}

// bindFlags lets every flag also be set through VAULTMESH_* environment
// variables.
func bindFlags(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("VAULTMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if viper.IsSet(f.Name) {
			_ = flags.Set(f.Name, viper.GetString(f.Name))
		}
	})
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vaultmesh"
	}
	return home + "/.vaultmesh"
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func openVault() (*vault.Vault, error) {
	return vault.Open(newLogger(), vault.Config{Dir: flagDir}, network.NewLoopback())
}

func initCmd() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "create a new vault with a first device and a recovery secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			credential, err := readSecret("unlock credential")
			if err != nil {
				return err
			}
			recoverySecret, err := readSecret("recovery secret")
			if err != nil {
				return err
			}

			pub, priv, err := crypto.GenerateDeviceKeyPair()
			if err != nil {
				return err
			}
			defer crypto.Zeroize(priv[:])

			v, err := vault.Init(newLogger(), vault.Config{Dir: flagDir}, network.NewLoopback(), vault.InitParams{
				Credential:      credential,
				RecoverySecret:  recoverySecret,
				FirstDeviceName: deviceName,
				FirstDevicePub:  pub[:],
			})
			if err != nil {
				return err
			}
			defer v.Close()

			fmt.Printf("vault created in %s at epoch %d\n", flagDir, v.CurrentEpoch())
			fmt.Printf("this device's private capability (store it safely):\n%s\n",
				hex.EncodeToString(priv[:]))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", "device", "name for the first device")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the vault's coarse state and epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			fmt.Printf("state: %s\nepoch: %d\ndevices: %d\n",
				coarseState(v.CurrentState()), v.CurrentEpoch(), len(v.ListDevices()))
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "list registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			for _, d := range v.ListDevices() {
				fmt.Printf("%s  %-20s epoch=%d registered=%s\n",
					d.DeviceID, d.Name, d.Epoch, d.RegisteredAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register <public-key-hex>",
		Short: "register a new device at the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("could not decode public key: %w", err)
			}
			v, err := unlockVault()
			if err != nil {
				return err
			}
			defer v.Close()
			id, err := v.Register(context.Background(), name, publicKey)
			if err != nil {
				return err
			}
			fmt.Printf("registered device %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "device", "device display name")
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "revoke a device and rotate the key epoch forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.HexStringToDeviceID(args[0])
			if err != nil {
				return err
			}
			v, err := unlockVault()
			if err != nil {
				return err
			}
			defer v.Close()
			if err := v.Revoke(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("device revoked; vault now at epoch %d\n", v.CurrentEpoch())
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "initiate lost-all-devices recovery (48h veto window)",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := unlockVault()
			if err != nil {
				return err
			}
			defer v.Close()
			window, err := v.InitiateRecovery(model.RoleAuthorized)
			if err != nil {
				return err
			}
			fmt.Printf("recovery window %s open until %s\n",
				window.RequestID, window.EndTime.Format(time.RFC3339))
			return nil
		},
	}
}

func vetoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "veto <request-id> <device-id>",
		Short: "veto a pending recovery request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			deviceID, err := model.HexStringToDeviceID(args[1])
			if err != nil {
				return err
			}
			v, err := unlockVault()
			if err != nil {
				return err
			}
			defer v.Close()
			if err := v.SubmitVeto(requestID, deviceID); err != nil {
				return err
			}
			fmt.Println("recovery vetoed")
			return nil
		},
	}
}

func unlockVault() (*vault.Vault, error) {
	v, err := openVault()
	if err != nil {
		return nil, err
	}
	credential, err := readSecret("unlock credential")
	if err != nil {
		v.Close()
		return nil, err
	}
	if _, err := v.Unlock(credential, model.RoleAuthorized); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// coarseState maps protocol state to the only three words end users see.
func coarseState(state model.ProtocolState) string {
	switch state.Status() {
	case model.StatusDegraded:
		return "degraded"
	case model.StatusRevoked:
		return "revoked"
	default:
		return "secure"
	}
}

func parseRequestID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("could not parse request id: %w", err)
	}
	return id, nil
}

func readSecret(prompt string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	var s string
	if _, err := fmt.Scanln(&s); err != nil {
		return nil, fmt.Errorf("could not read %s: %w", prompt, err)
	}
	return []byte(s), nil
}
