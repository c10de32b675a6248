// Command nftmarketctl is a command-line client for the marketplace API.
//
// Signing keys come from -key / NFTMARKET_KEY (hex) or from an encrypted key
// file (-keyfile / NFTMARKET_KEYFILE, password in NFTMARKET_KEY_PASSWORD).
// A .env file in the working directory is loaded first.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/nftmarket/internal/client"
	"github.com/alanyoungcy/nftmarket/internal/crypto"
	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const usage = `usage: nftmarketctl [global flags] <command> [args]

commands:
  keygen -out FILE            create an encrypted key file
  address                     print the signing address
  health                      server health
  fee                         current listing fee
  set-fee AMOUNT              change the listing fee (owner)
  balance                     accrued listing fees
  withdraw AMOUNT             withdraw accrued fees (owner)
  items                       unsold items
  item ID                     one item
  mint -contract ADDR [-uri URI]
                              mint a token in the dev registry
  list -contract ADDR -token ID -price AMOUNT
                              list a token, paying the current fee
  buy ID                      buy an item at its asking price
  wallet [ADDR]               dev bank balance (default: signer)
  events [-after ID] [-limit N]
                              replay market events
  archives                    stored item snapshots
  watch [-after ID] [-events TYPES]
                              stream live market events until interrupted

AMOUNT accepts wei, "10gwei" or "1.5ether".

global flags:
`

type globals struct {
	server   string
	key      string
	keyFile  string
	password string
	timeout  time.Duration
}

func main() {
	_ = godotenv.Load()

	var g globals
	fs := flag.NewFlagSet("nftmarketctl", flag.ExitOnError)
	fs.StringVar(&g.server, "server", envOr("NFTMARKET_SERVER", "http://localhost:8000"), "marketplace API base URL")
	fs.StringVar(&g.key, "key", os.Getenv("NFTMARKET_KEY"), "hex private key")
	fs.StringVar(&g.keyFile, "keyfile", os.Getenv("NFTMARKET_KEYFILE"), "encrypted key file")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	g.password = os.Getenv("NFTMARKET_KEY_PASSWORD")

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := run(ctx, g, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nftmarketctl: %s: %v\n", args[0], err)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, g globals, cmd string, args []string) error {
	if cmd == "keygen" {
		return keygen(g, args)
	}

	c, err := newClient(g, needsKey(cmd))
	if err != nil {
		return err
	}

	switch cmd {
	case "address":
		fmt.Println(c.Address().Hex())
		return nil
	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(h)
	case "fee":
		fee, err := c.ListingFee(ctx)
		if err != nil {
			return err
		}
		printAmount("listing fee", fee)
		return nil
	case "set-fee":
		amount, err := amountArg(args)
		if err != nil {
			return err
		}
		if err := c.SetListingFee(ctx, amount); err != nil {
			return err
		}
		printAmount("listing fee", amount)
		return nil
	case "balance":
		bal, err := c.Balance(ctx)
		if err != nil {
			return err
		}
		printAmount("fee balance", bal)
		return nil
	case "withdraw":
		amount, err := amountArg(args)
		if err != nil {
			return err
		}
		if err := c.Withdraw(ctx, amount); err != nil {
			return err
		}
		printAmount("withdrawn", amount)
		return nil
	case "items":
		items, err := c.UnsoldItems(ctx)
		if err != nil {
			return err
		}
		return printJSON(items)
	case "item":
		id, err := idArg(args)
		if err != nil {
			return err
		}
		item, err := c.Item(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(item)
	case "mint":
		return mint(ctx, c, args)
	case "list":
		return list(ctx, c, args)
	case "buy":
		id, err := idArg(args)
		if err != nil {
			return err
		}
		item, err := c.Item(ctx, id)
		if err != nil {
			return err
		}
		sold, err := c.Buy(ctx, id, item.Price.Int())
		if err != nil {
			return err
		}
		return printJSON(sold)
	case "wallet":
		addr := c.Address()
		if len(args) > 0 {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("%q is not an address", args[0])
			}
			addr = common.HexToAddress(args[0])
		}
		bal, err := c.WalletBalance(ctx, addr)
		if err != nil {
			return err
		}
		printAmount(addr.Hex(), bal)
		return nil
	case "events":
		fs := flag.NewFlagSet("events", flag.ContinueOnError)
		after := fs.String("after", "", "stream id to replay after")
		limit := fs.Int("limit", 100, "maximum events")
		if err := fs.Parse(args); err != nil {
			return err
		}
		evs, err := c.Events(ctx, *after, *limit)
		if err != nil {
			return err
		}
		return printJSON(evs)
	case "archives":
		arcs, err := c.Archives(ctx)
		if err != nil {
			return err
		}
		return printJSON(arcs)
	case "watch":
		return watch(ctx, c, args)
	default:
		return fmt.Errorf("unknown command (run without arguments for usage)")
	}
}

func needsKey(cmd string) bool {
	switch cmd {
	case "address", "set-fee", "withdraw", "mint", "list", "buy":
		return true
	}
	return false
}

func newClient(g globals, withKey bool) (*client.Client, error) {
	var signer *crypto.Signer
	if withKey || g.key != "" || g.keyFile != "" {
		key, err := crypto.LoadKey(crypto.KeySource{RawHex: g.key, EncryptedPath: g.keyFile, Password: g.password})
		if err != nil {
			if withKey {
				return nil, err
			}
		} else {
			signer = crypto.NewSigner(key)
		}
	}
	return client.New(g.server, signer), nil
}

func keygen(g globals, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "nftmarket-key.json", "output key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if g.password == "" {
		return errors.New("NFTMARKET_KEY_PASSWORD must be set")
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists", *out)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	data, err := crypto.EncryptKey(key, g.password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	fmt.Printf("%s %s\n", crypto.NewSigner(key).Address().Hex(), *out)
	return nil
}

func mint(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	contract := fs.String("contract", "", "token contract address")
	uri := fs.String("uri", "", "token metadata URI")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*contract) {
		return errors.New("-contract must be an address")
	}
	id, err := c.Mint(ctx, common.HexToAddress(*contract), *uri)
	if err != nil {
		return err
	}
	fmt.Printf("minted token %s\n", id)
	return nil
}

func list(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	contract := fs.String("contract", "", "token contract address")
	token := fs.String("token", "", "token id")
	price := fs.String("price", "", "asking price")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*contract) {
		return errors.New("-contract must be an address")
	}
	tokenID, ok := new(big.Int).SetString(*token, 10)
	if !ok {
		return errors.New("-token must be an integer")
	}
	p, err := domain.ParseAmount(*price)
	if err != nil {
		return err
	}

	fee, err := c.ListingFee(ctx)
	if err != nil {
		return err
	}
	item, err := c.ListItem(ctx, common.HexToAddress(*contract), tokenID, p, fee)
	if err != nil {
		return err
	}
	return printJSON(item)
}

func watch(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	after := fs.String("after", "", "replay events after this stream id first")
	events := fs.String("events", "", "comma-separated event types")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := client.WatchOpts{After: *after}
	if *events != "" {
		opts.Events = strings.Split(*events, ",")
	}
	err := c.Watch(ctx, opts, func(msg json.RawMessage) error {
		_, err := fmt.Println(string(msg))
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func amountArg(args []string) (*big.Int, error) {
	if len(args) != 1 {
		return nil, errors.New("expected one AMOUNT argument")
	}
	return domain.ParseAmount(args[0])
}

func idArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one ID argument")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", args[0])
	}
	return id, nil
}

func printAmount(label string, v *big.Int) {
	fmt.Printf("%s: %s ETH (%s wei)\n", label, domain.FormatEther(v), v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
