package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stealthvpn/proxyctl/internal/services/operator"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage proxy users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user with fresh credentials for every enabled protocol",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a user and regenerate all configs",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE:  runUserList,
}

var userRotateCmd = &cobra.Command{
	Use:   "rotate <username> <protocol>",
	Short: "Regenerate one protocol's credentials for a user",
	Long: `Regenerate one protocol's credential bundle for a user. The user's
previous client config for that protocol stops working.`,
	Args: cobra.ExactArgs(2),
	RunE: runUserRotate,
}

func init() {
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userDeleteCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userRotateCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := buildOperator(cfg).CreateUser(ctx, args[0])
	if err != nil {
		log.Error().Err(err).Str("username", args[0]).Msg("create user failed")
		return err
	}

	fmt.Printf("User %s created\n", result.User.Username)
	printSync(result.Sync)
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sync, err := buildOperator(cfg).DeleteUser(ctx, args[0])
	if err != nil {
		log.Error().Err(err).Str("username", args[0]).Msg("delete user failed")
		return err
	}

	fmt.Printf("User %s deleted\n", args[0])
	printSync(sync)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	users, err := buildOperator(cfg).ListUsers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list users failed")
		return err
	}

	if len(users) == 0 {
		fmt.Println("No users")
		return nil
	}

	for _, u := range users {
		lastSeen := "never"
		if u.LastSeen != nil {
			lastSeen = u.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-32s  created %s  last seen %s\n", u.Username, u.CreatedAt.Format("2006-01-02"), lastSeen)
	}
	return nil
}

func runUserRotate(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := buildOperator(cfg).RotateUserCredential(ctx, args[0], args[1])
	if err != nil {
		log.Error().Err(err).Str("username", args[0]).Str("protocol", args[1]).Msg("rotate credential failed")
		return err
	}

	fmt.Printf("Credentials rotated for %s (%s)\n", result.User.Username, args[1])
	printSync(result.Sync)
	return nil
}

func printSync(sync *operator.SyncResult) {
	if sync == nil {
		return
	}

	for _, rc := range sync.Render.Rendered {
		fmt.Printf("  rendered %-10s -> %s\n", rc.Protocol, rc.Path)
	}
	for proto, err := range sync.Render.Failed {
		fmt.Printf("  FAILED   %-10s    %v\n", proto, err)
	}
	for _, rr := range sync.Reloads {
		if rr.Error != nil {
			fmt.Printf("  reload   %-10s    %s (%v)\n", rr.Protocol, rr.State, rr.Error)
		} else {
			fmt.Printf("  reload   %-10s    %s\n", rr.Protocol, rr.State)
		}
	}
}
