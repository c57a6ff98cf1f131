package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/client"
)

func main() {
	var (
		serverURL  = flag.String("server", "http://localhost:8080", "safetyd JSON-RPC URL")
		metricsURL = flag.String("metrics", "http://localhost:9090/metrics", "safetyd metrics URL")
		action     = flag.String("action", "info", "Action: info, markets, position, auctions, events, approve, stake, cooldown, redeem, buy, complete, claim, mint, call, metrics")
		caller     = flag.String("caller", "", "Address to act as")
		vault      = flag.String("vault", "", "Vault address (defaults to the first market)")
		asset      = flag.String("asset", "", "Asset address for approve and mint")
		spender    = flag.String("spender", "", "Spender for approve (defaults to the vault)")
		amount     = flag.String("amount", "0", "Decimal amount")
		auctionID  = flag.Uint64("auction", 0, "Auction id")
		lots       = flag.Uint64("lots", 1, "Lots to buy")
		from       = flag.Uint64("from", 0, "First event sequence")
		method     = flag.String("method", "", "Raw method for -action call")
		params     = flag.String("params", "", "Raw JSON params for -action call")
		timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout")
	)
	flag.Parse()

	logger := log.Root()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *caller != "" && !common.IsHexAddress(*caller) {
		logger.Crit("Invalid caller address", "caller", *caller)
		os.Exit(1)
	}
	c := client.NewClient(client.WithJSONRPCURL(*serverURL), client.WithCaller(common.HexToAddress(*caller)))

	market := func() common.Address {
		if *vault != "" {
			return common.HexToAddress(*vault)
		}
		info, err := c.GetInfo(ctx)
		if err != nil || len(info.Markets) == 0 {
			logger.Crit("No vault given and no market found", "error", err)
			os.Exit(1)
		}
		return info.Markets[0]
	}

	var (
		result interface{}
		err    error
	)
	switch *action {
	case "info":
		result, err = c.GetInfo(ctx)
	case "markets":
		result, err = c.GetMarkets(ctx)
	case "position":
		result, err = c.GetPosition(ctx, market(), c.Caller())
	case "auctions":
		result, err = c.GetAuctions(ctx)
	case "events":
		result, err = c.GetEvents(ctx, *from, 100)
	case "approve":
		to := common.HexToAddress(*spender)
		if *spender == "" {
			to = market()
		}
		err = c.Approve(ctx, common.HexToAddress(*asset), to, *amount)
		result = map[string]string{"spender": to.Hex(), "amount": *amount}
	case "stake":
		result, err = c.Stake(ctx, market(), *amount)
	case "cooldown":
		result, err = c.Cooldown(ctx, market())
	case "redeem":
		result, err = c.Redeem(ctx, market(), *amount)
	case "buy":
		result, err = c.BuyLots(ctx, *auctionID, *lots)
	case "complete":
		result, err = c.CompleteAuction(ctx, *auctionID)
	case "claim":
		result, err = c.ClaimRewards(ctx)
	case "mint":
		err = c.Mint(ctx, common.HexToAddress(*asset), c.Caller(), *amount)
		result = "minted"
	case "call":
		var p interface{}
		if *params != "" {
			if err := json.Unmarshal([]byte(*params), &p); err != nil {
				logger.Crit("Invalid params", "error", err)
				os.Exit(1)
			}
		}
		var raw json.RawMessage
		err = c.Call(ctx, *method, p, &raw)
		result = raw
	case "metrics":
		result, err = fetchMetrics(ctx, *metricsURL)
		if err == nil {
			fmt.Print(result)
			return
		}
	default:
		logger.Crit("Unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Request failed", "action", *action, "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("Failed to encode result", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func fetchMetrics(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
