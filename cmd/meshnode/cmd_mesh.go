package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/term"

	"github.com/latticemesh/meshnode/internal/meshauth"
)

// runMesh dispatches the founder-side mesh administration commands. The
// founder key lives in a passphrase-sealed vault; issuing a token unseals
// it for the duration of the command only.
func runMesh(args []string) {
	if len(args) < 1 {
		printMeshUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "init":
		runMeshInit(args[1:])
	case "issue-token":
		runMeshIssueToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown mesh command: %s\n\n", args[0])
		printMeshUsage()
		os.Exit(1)
	}
}

func printMeshUsage() {
	fmt.Println("Usage: meshnode mesh <command> [options]")
	fmt.Println()
	fmt.Println("  init --vault <path> --pubkey-out <path>")
	fmt.Println("      Generate a mesh founder keypair, seal it under a passphrase,")
	fmt.Println("      and write the public key for relay registration.")
	fmt.Println()
	fmt.Println("  issue-token --vault <path> --mesh-id <id> [--relay <url>]")
	fmt.Println("      Issue a signed join token (printed for QR/deep-link encoding).")
	fmt.Println("  issue-token --vault <path> --mesh-id <id> --node-id <id> --mesh-token-out <path>")
	fmt.Println("      Issue a signed mesh token for a node's relay connections.")
}

func runMeshInit(args []string) {
	vaultPath := flagValue(args, "--vault", "founder.vault")
	pubOut := flagValue(args, "--pubkey-out", "founder.pub")

	if _, err := os.Stat(vaultPath); err == nil {
		fmt.Fprintf(os.Stderr, "Vault %s already exists; refusing to overwrite\n", vaultPath)
		os.Exit(1)
	}

	pass, err := promptNewPassphrase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	priv, pub, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: generate founder keypair: %v\n", err)
		os.Exit(1)
	}
	if err := meshauth.SealFounderKey(vaultPath, priv, pass); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	pubBytes, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal public key: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(pubOut, pubBytes, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: write public key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Founder key sealed to %s\n", vaultPath)
	fmt.Printf("Public key written to %s (register this with the relay)\n", pubOut)
}

func runMeshIssueToken(args []string) {
	vaultPath := flagValue(args, "--vault", "founder.vault")
	meshID := flagValue(args, "--mesh-id", "")
	relayAddr := flagValue(args, "--relay", "")
	nodeID := flagValue(args, "--node-id", "")
	meshTokenOut := flagValue(args, "--mesh-token-out", "")

	if meshID == "" {
		fmt.Fprintln(os.Stderr, "Error: --mesh-id is required")
		os.Exit(1)
	}

	pass, err := promptPassphrase("Vault passphrase: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	founder, err := meshauth.UnsealFounderKey(vaultPath, pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if nodeID != "" && meshTokenOut != "" {
		tok, err := meshauth.IssueMeshToken(founder, meshID, nodeID, meshauth.JoinTokenValidity, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		data, err := json.Marshal(tok)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(meshTokenOut, data, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error: write mesh token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Mesh token for node %s written to %s (expires %s)\n",
			nodeID, meshTokenOut, tok.ExpiresAt.Format(time.RFC3339))
		return
	}

	tok, err := meshauth.IssueJoinToken(founder, meshID, relayAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	encoded, err := tok.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Join token (valid until %s):\n%s\n", tok.ExpiresAt.Format(time.RFC3339), encoded)
}

func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

func promptNewPassphrase() ([]byte, error) {
	pass, err := promptPassphrase("New vault passphrase: ")
	if err != nil {
		return nil, err
	}
	confirm, err := promptPassphrase("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if string(pass) != string(confirm) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return pass, nil
}

func flagValue(args []string, name, def string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}
