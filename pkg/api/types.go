package api

import "github.com/mihaimyh/polarkit/pkg/billing"

// ProductsResponse is the body of GET /products
type ProductsResponse struct {
	Provider string            `json:"provider"`
	Products []billing.Product `json:"products"`
}

// indexPage is the data rendered by the index template
type indexPage struct {
	Title    string
	Products []billing.Product
}
