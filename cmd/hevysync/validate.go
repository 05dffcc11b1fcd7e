package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateKeyCmd = &cobra.Command{
	Use:   "validate-key [api-key]",
	Short: "Check whether an API key is accepted by the Hevy API",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidateKey,
}

func runValidateKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	key := viper.GetString("api_key")
	if len(args) == 1 {
		key = args[0]
	}
	if key == "" {
		return fmt.Errorf("provide an API key as an argument, --api-key, or HEVYSYNC_API_KEY")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// ValidateKey probes with the key passed explicitly via request
	// headers, so the long-lived client doesn't need to be rebuilt
	// around a key that might turn out to be invalid.
	if err := a.client.ValidateKey(ctx, key); err != nil {
		return err
	}
	fmt.Println("API key is valid")
	return nil
}
