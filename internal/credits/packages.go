package credits

import "github.com/therealutkarshpriyadarshi/suberase/pkg/models"

var packages = []models.CreditPackage{
	{ID: "basic", Label: "Basic", Credits: 100, Price: 199, Currency: "usd"},
	{ID: "plus", Label: "Plus", Credits: 500, Bonus: 50, Price: 799, Currency: "usd"},
	{ID: "pro", Label: "Pro", Credits: 1000, Bonus: 150, Price: 1499, Currency: "usd"},
}

// Packages lists the purchasable credit bundles
func Packages() []models.CreditPackage {
	out := make([]models.CreditPackage, len(packages))
	copy(out, packages)
	return out
}
