package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notional/config"
	"notional/native/portfolio"
	"notional/observability/logging"
	"notional/observability/otel"
)

type assetReport struct {
	CurrencyID uint16 `json:"currencyId"`
	AssetType  string `json:"assetType"`
	Maturity   uint64 `json:"maturity"`
	Notional   string `json:"notional"`
}

type balanceReport struct {
	CurrencyID uint16 `json:"currencyId"`
	Cash       string `json:"cash"`
	NToken     string `json:"nToken"`
}

type accountReport struct {
	Address             string          `json:"address"`
	NextSettleTime      uint64          `json:"nextSettleTime"`
	RequiresSettlement  bool            `json:"requiresSettlement"`
	HasBitmapPortfolio  bool            `json:"hasBitmapPortfolio"`
	BitmapCurrencyID    uint16          `json:"bitmapCurrencyId,omitempty"`
	BitmapReferenceTime uint64          `json:"bitmapReferenceTime,omitempty"`
	Balances            []balanceReport `json:"balances"`
	Assets              []assetReport   `json:"assets"`
	IfCash              []assetReport   `json:"ifCash"`
}

func main() {
	configPath := flag.String("config", "./config.toml", "Path to node configuration file")
	blockTime := flag.Uint64("block-time", uint64(time.Now().Unix()), "Block time used for the staleness check")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: portfolio-audit [-config path] [-block-time t] <address> [address ...]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("portfolio-audit", os.Getenv("NOTIONAL_ENV"), logging.Options{FilePath: cfg.LogFile})
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "portfolio-audit",
			Environment: os.Getenv("NOTIONAL_ENV"),
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to init telemetry: %v\n", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}

	db, err := cfg.OpenDatabase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open datastore: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("auditing accounts", "backend", cfg.Backend, "accounts", flag.NArg(), "blockTime", *blockTime)

	st := portfolio.NewStore(db)
	reports := make([]accountReport, 0, flag.NArg())
	for _, arg := range flag.Args() {
		if !common.IsHexAddress(arg) {
			fmt.Fprintf(os.Stderr, "invalid address %q\n", arg)
			os.Exit(1)
		}
		report, err := auditAccount(st, common.HexToAddress(arg), *blockTime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to audit %s: %v\n", arg, err)
			os.Exit(1)
		}
		reports = append(reports, report)
	}

	output, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

func auditAccount(st portfolio.State, addr common.Address, blockTime uint64) (accountReport, error) {
	report := accountReport{Address: addr.Hex()}

	acctCtx, err := st.AccountContext(addr)
	if err != nil {
		return report, err
	}
	report.NextSettleTime = acctCtx.NextSettleTime
	report.RequiresSettlement = acctCtx.RequiresSettlement(blockTime)
	report.HasBitmapPortfolio = acctCtx.HasBitmapPortfolio
	report.BitmapCurrencyID = acctCtx.BitmapCurrencyID
	report.BitmapReferenceTime = acctCtx.BitmapReferenceTime

	var walkErr error
	acctCtx.ActiveCurrencies.ForEachSetBit(func(bitNum uint) bool {
		currencyID := uint16(bitNum)
		cash, nToken, err := st.Balance(addr, currencyID)
		if err != nil {
			walkErr = err
			return false
		}
		report.Balances = append(report.Balances, balanceReport{
			CurrencyID: currencyID,
			Cash:       cash.String(),
			NToken:     nToken.String(),
		})
		return true
	})
	if walkErr != nil {
		return report, walkErr
	}

	assets, err := st.Portfolio(addr)
	if err != nil {
		return report, err
	}
	for i := range assets {
		asset := &assets[i]
		report.Assets = append(report.Assets, assetReport{
			CurrencyID: asset.CurrencyID,
			AssetType:  assetTypeName(asset.AssetType),
			Maturity:   asset.Maturity,
			Notional:   asset.Notional.String(),
		})
	}

	if acctCtx.HasBitmapPortfolio {
		bitmap, err := st.AssetsBitmap(addr, acctCtx.BitmapCurrencyID)
		if err != nil {
			return report, err
		}
		bitmap.ForEachSetBit(func(bitNum uint) bool {
			maturity, err := portfolio.MaturityFromBitNum(acctCtx.BitmapReferenceTime, bitNum)
			if err != nil {
				walkErr = err
				return false
			}
			notional, err := st.IfCash(addr, acctCtx.BitmapCurrencyID, maturity)
			if err != nil {
				walkErr = err
				return false
			}
			report.IfCash = append(report.IfCash, assetReport{
				CurrencyID: acctCtx.BitmapCurrencyID,
				AssetType:  assetTypeName(portfolio.AssetTypeFCash),
				Maturity:   maturity,
				Notional:   notional.String(),
			})
			return true
		})
		if walkErr != nil {
			return report, walkErr
		}
	}
	return report, nil
}

func assetTypeName(t portfolio.AssetType) string {
	switch t {
	case portfolio.AssetTypeFCash:
		return "fCash"
	case portfolio.AssetTypeLiquidityToken:
		return "liquidityToken"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
