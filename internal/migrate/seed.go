// Built-in ingredient seeding for fresh databases.
package migrate

import (
	"context"
	"fmt"

	"github.com/ntropish/larder/pkg/types"
)

// seedIngredient describes one row seeded on first boot.
type seedIngredient struct {
	title       string
	description string
	unit        string
	baseValue   float64
}

// seedIngredients defines the fixed pantry staples seeded into a fresh
// database, in insertion order.
var seedIngredients = []seedIngredient{
	{"Flour", "All-purpose wheat flour", "g", 100},
	{"Sugar", "Granulated white sugar", "g", 100},
	{"Butter", "Unsalted butter", "g", 50},
	{"Egg", "Large chicken egg", "unit", 1},
	{"Milk", "Whole milk", "ml", 100},
	{"Salt", "Fine table salt", "g", 5},
	{"Baking Powder", "Double-acting leavening agent", "tsp", 1},
	{"Vanilla Extract", "Pure vanilla extract", "tsp", 1},
}

// SeedIngredients inserts the built-in ingredients if the table is empty.
// The engine only invokes it on a fresh database; the count guard keeps a
// manual invocation from doubling the rows.
func SeedIngredients(ctx context.Context, c Client) error {
	res, err := c.Get(ctx, "SELECT COUNT(*) FROM ingredients")
	if err != nil {
		return fmt.Errorf("counting ingredients: %w", err)
	}
	if len(res.Row) > 0 && res.Row[0].Int64() > 0 {
		return nil
	}

	for _, ing := range seedIngredients {
		_, err := c.All(ctx,
			"INSERT INTO ingredients (title, description, unit_of_measurement, base_value) VALUES (?, ?, ?, ?)",
			types.Text(ing.title), types.Text(ing.description), types.Text(ing.unit), types.Float(ing.baseValue),
		)
		if err != nil {
			return fmt.Errorf("seeding ingredient %s: %w", ing.title, err)
		}
	}
	return nil
}

// SeedCount is the number of rows SeedIngredients inserts into a fresh
// database.
func SeedCount() int { return len(seedIngredients) }
