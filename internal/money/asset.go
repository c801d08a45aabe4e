package money

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Asset describes a settlement currency and how many minor units make one major unit.
type Asset struct {
	Code     string // ISO 4217 code (USD, KES, NGN, ...)
	Decimals uint8  // 2 for cents/kobo, 0 for currencies without subunits
}

var (
	assetRegistry = map[string]Asset{
		"USD": {Code: "USD", Decimals: 2},
		"EUR": {Code: "EUR", Decimals: 2},
		"GBP": {Code: "GBP", Decimals: 2},
		"KES": {Code: "KES", Decimals: 2},
		"NGN": {Code: "NGN", Decimals: 2}, // kobo
		"GHS": {Code: "GHS", Decimals: 2}, // pesewas
		"ZAR": {Code: "ZAR", Decimals: 2},
		"TZS": {Code: "TZS", Decimals: 2},
		"EGP": {Code: "EGP", Decimals: 2},
		"XOF": {Code: "XOF", Decimals: 0},
		"UGX": {Code: "UGX", Decimals: 0},
		"RWF": {Code: "RWF", Decimals: 0},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry. Codes are case-insensitive.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[strings.ToUpper(code)]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds a currency to the registry.
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.Decimals > 8 {
		return fmt.Errorf("money: decimals must be <= 8")
	}
	asset.Code = strings.ToUpper(asset.Code)

	assetRegistryMu.Lock()
	assetRegistry[asset.Code] = asset
	assetRegistryMu.Unlock()

	return nil
}

// ListAssets returns all registered assets sorted by code.
func ListAssets() []Asset {
	assetRegistryMu.RLock()
	assets := make([]Asset, 0, len(assetRegistry))
	for _, asset := range assetRegistry {
		assets = append(assets, asset)
	}
	assetRegistryMu.RUnlock()

	sort.Slice(assets, func(i, j int) bool { return assets[i].Code < assets[j].Code })
	return assets
}
