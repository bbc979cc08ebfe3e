// Command card_gen generates a Luhn-valid test card and optionally registers
// it with the cards API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/cardsclient"
	"github.com/alovak/bankcards/internal/expiry"
)

const maxFaceName = 26

type options struct {
	bin       string
	sequence  string
	product   string
	years     int
	holder    string
	owner     string
	api       string
	token     string
	printOnly bool
	verbose   bool
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, time.Now()); err != nil {
		fail("%v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, now time.Time) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	req, err := buildRequest(opts, now)
	if err != nil {
		return err
	}

	printPAN := cardgen.MaskPAN(req.PAN)
	if opts.verbose {
		printPAN = req.PAN + "   (WARNING: printing full PAN)"
	}
	fmt.Fprintf(out, "PAN: %s\nEXP(card-face): %s\n", printPAN, req.ExpireDate)
	if req.Holder != "" {
		fmt.Fprintf(out, "NAME(card-face): %s\n", req.Holder)
	}

	if opts.printOnly {
		shown := req
		shown.PAN = printPAN
		enc, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		fmt.Fprintln(out, string(enc))
		return nil
	}

	if opts.owner == "" {
		return fmt.Errorf("-owner is required to register the card")
	}
	if opts.token == "" {
		return fmt.Errorf("-token or CARDS_TOKEN is required to register the card")
	}

	cli := cardsclient.New(opts.api, opts.token, nil)
	card, err := cli.CreateCard(ctx, req)
	if err != nil {
		return fmt.Errorf("register card: %w", err)
	}
	fmt.Fprintf(out, "Registered card %s (%s) for %s.\n", card.ID, card.MaskedPAN, card.OwnerID)
	return nil
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("card_gen", flag.ContinueOnError)
	fs.StringVar(&o.bin, "bin", "421234", "6/8/9-digit BIN prefix")
	fs.StringVar(&o.sequence, "sequence", "", "optional numeric sequence (before check digit)")
	fs.StringVar(&o.product, "product", "debit", "card product: credit|debit (defaults to debit)")
	fs.IntVar(&o.years, "years", 0, "override validity years (if > 0)")
	fs.StringVar(&o.holder, "holder", "", "cardholder name for card face imprint")
	fs.StringVar(&o.owner, "owner", "", "owner user id")
	fs.StringVar(&o.api, "api", "http://127.0.0.1:8080", "cards API base URL")
	fs.StringVar(&o.token, "token", os.Getenv("CARDS_TOKEN"), "admin bearer token")
	fs.BoolVar(&o.printOnly, "print", false, "print JSON only, do not POST")
	fs.BoolVar(&o.verbose, "verbose", false, "print full PAN (otherwise masked)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if err := cardgen.ValidateBIN(o.bin); err != nil {
		return o, err
	}
	return o, nil
}

func buildRequest(o options, now time.Time) (cardsclient.CreateCardReq, error) {
	pan, err := cardgen.GeneratePAN(o.bin, o.sequence)
	if err != nil {
		return cardsclient.CreateCardReq{}, err
	}
	if !cardgen.LuhnValid(pan) {
		return cardsclient.CreateCardReq{}, fmt.Errorf("generated pan fails the Luhn check")
	}
	years := expiry.YearsForProduct(o.product, o.years)
	holder := normalizeCardName(o.holder)
	if holder == "" {
		holder = "CARD HOLDER"
	}
	return cardsclient.CreateCardReq{
		PAN:        pan,
		Holder:     holder,
		ExpireDate: expiry.CardFace(now, years, time.UTC),
		OwnerID:    o.owner,
	}, nil
}

func normalizeCardName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	normalized := strings.Join(strings.Fields(trimmed), " ")
	up := strings.ToUpper(normalized)
	if len(up) > maxFaceName {
		return up[:maxFaceName]
	}
	return up
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
