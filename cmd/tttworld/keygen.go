package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dcrodman/tttworld/internal/core"
	"github.com/dcrodman/tttworld/internal/core/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generates the server's RSA key pair",
	Run:   KeygenCommand,
}

var ForceFlag bool

func KeygenCommand(cmd *cobra.Command, args []string) {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	privateFile := cfg.QualifiedPath(cfg.Keys.PrivateKeyFile)
	publicFile := cfg.QualifiedPath(cfg.Keys.PublicKeyFile)
	if !ForceFlag {
		for _, f := range []string{privateFile, publicFile} {
			if _, err := os.Stat(f); err == nil {
				fmt.Printf("%s already exists; use --force to replace it\n", f)
				os.Exit(1)
			}
		}
	}

	fmt.Printf("generating %d bit key...\n", cfg.Keys.Bits)
	keys, err := crypto.GenerateKeyPair(cfg.Keys.Bits)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := crypto.SaveKeyPair(keys, privateFile, publicFile); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Println("wrote", privateFile, "and", publicFile)
	fmt.Println("fingerprint:", keys.Fingerprint())
}
