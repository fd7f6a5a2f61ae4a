package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// Azure Retail Prices API
const azurePricingAPI = "https://prices.azure.com/api/retail/prices"

// azureOnDemandHourly is used when the Retail Prices API is unreachable
var azureOnDemandHourly = map[string]float64{
	"Standard_B2s":    0.0416,
	"Standard_B2ms":   0.0832,
	"Standard_D2s_v3": 0.096,
	"Standard_D4s_v3": 0.192,
	"Standard_D8s_v3": 0.384,
	"Standard_D2s_v5": 0.096,
	"Standard_D4s_v5": 0.192,
	"Standard_DS2_v2": 0.146,
	"Standard_E4s_v3": 0.252,
	"Standard_F4s_v2": 0.169,
}

// AzureProvider implements Azure AKS pricing
type AzureProvider struct {
	region     string
	baseURL    string
	cache      *PriceCache
	httpClient *http.Client
}

type azurePriceResponse struct {
	Items []azurePriceItem `json:"Items"`
}

type azurePriceItem struct {
	CurrencyCode  string  `json:"currencyCode"`
	RetailPrice   float64 `json:"retailPrice"`
	UnitOfMeasure string  `json:"unitOfMeasure"`
	ServiceName   string  `json:"serviceName"`
	ProductName   string  `json:"productName"`
	SkuName       string  `json:"skuName"`
	ArmSkuName    string  `json:"armSkuName"`
	ArmRegionName string  `json:"armRegionName"`
}

func NewAzureProvider(region string) *AzureProvider {
	return &AzureProvider{
		region:  region,
		baseURL: azurePricingAPI,
		cache:   NewPriceCache(24*time.Hour, nil),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (a *AzureProvider) Name() string {
	return "azure"
}

func (a *AzureProvider) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	if region == "" {
		region = a.region
	}
	costInfo := &models.CostInfo{
		Provider:         "azure",
		Region:           region,
		NodeType:         nodeType,
		CPUCostPerCore:   35.0, // $/core/month, D2s_v3 derived
		MemoryCostPerGiB: 4.3,  // $/GiB/month
		Currency:         "USD",
		LastUpdated:      time.Now(),
	}

	if nodeType == "" {
		return costInfo, nil
	}

	key := PriceKey{Provider: a.Name(), Region: region, InstanceType: nodeType}
	if hourly, ok := a.cache.Get(key); ok {
		costInfo.NodeCostPerHour = hourly
		return costInfo, nil
	}
	hourly, err := a.fetchInstancePrice(ctx, region, nodeType)
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, hourly)
	costInfo.NodeCostPerHour = hourly
	return costInfo, nil
}

// GetResourceCost prices the node from the Retail Prices API, then from the
// built-in table
func (a *AzureProvider) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	region := node.Region
	if region == "" {
		region = a.region
	}

	costInfo, err := a.GetCostInfo(ctx, region, node.InstanceType)
	if err == nil && costInfo.NodeCostPerHour > 0 {
		return prorate(costInfo.NodeCostPerHour, node, window), nil
	}
	return instanceCost(a.Name(), azureOnDemandHourly, node, window)
}

func (a *AzureProvider) fetchInstancePrice(ctx context.Context, region, sku string) (float64, error) {
	filter := fmt.Sprintf("serviceName eq 'Virtual Machines' and armRegionName eq '%s' and armSkuName eq '%s' and priceType eq 'Consumption'", region, sku)
	reqURL := a.baseURL + "?" + url.Values{"$filter": {filter}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("azure pricing API returned status %d", resp.StatusCode)
	}

	var priceResp azurePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		return 0, err
	}

	for _, item := range priceResp.Items {
		if strings.Contains(item.ProductName, "Windows") {
			continue
		}
		// Spot is applied from the node's pricing model
		if strings.Contains(item.SkuName, "Spot") || strings.Contains(item.SkuName, "Low Priority") {
			continue
		}
		if item.RetailPrice > 0 && item.UnitOfMeasure == "1 Hour" {
			return item.RetailPrice, nil
		}
	}
	return 0, fmt.Errorf("no Linux consumption price for %s in %s", sku, region)
}
