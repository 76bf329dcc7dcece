package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/credential"
)

// credhash prints a bcrypt hash for seeding accounts.pin_hash. The PIN comes
// from the first argument or a line on stdin.
func main() {
	cost := flag.Int("cost", 0, "bcrypt cost (0 uses the library default)")
	flag.Parse()

	pin, err := readPin(flag.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read pin: %v\n", err)
		os.Exit(1)
	}
	hash, err := hashPin(pin, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash pin: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func hashPin(pin string, cost int) (string, error) {
	v := credential.NewBcryptVerifier()
	if cost > 0 {
		v.Cost = cost
	}
	return v.Hash(pin)
}

func readPin(args []string, stdin *os.File) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	info, err := stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide pin as arg or stdin")
	}
	return readLine(stdin)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	pin := strings.TrimSpace(line)
	if pin == "" {
		return "", fmt.Errorf("pin is empty")
	}
	return pin, nil
}
