package cancel

import (
	"testing"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 21, 9, 15, 0, 0, time.UTC)

func sample() *models.Order {
	return &models.Order{
		OrderID:           "A1",
		Symbol:            "INFY",
		Exchange:          "NSE",
		Side:              models.OrderSideBuy,
		Quantity:          5,
		Price:             decimal.RequireFromString("997.5"),
		Status:            models.OrderStatusOpen,
		Role:              models.RoleStopLoss,
		Group:             "scale-1",
		StrategyID:        "momo",
		Protected:         true,
		ModificationCount: 3,
		CreatedAt:         epoch,
	}
}

func TestCompile_Matches(t *testing.T) {
	now := epoch.Add(45 * time.Second)
	cases := []struct {
		src  string
		want bool
	}{
		{"", true},
		{"symbol == 'INFY'", true},
		{`symbol == "infy"`, true},
		{"symbol != 'INFY'", false},
		{"age > 30", true},
		{"age > 60", false},
		{"30 < age", true},
		{"age >= 45 && age <= 45", true},
		{"protected", true},
		{"not protected", false},
		{"!protected", false},
		{"protected == false", false},
		{"role in ['stop_loss', 'hedge']", true},
		{"role not in ['stop_loss', 'hedge']", false},
		{"status in ['pending', 'open', 'modified']", true},
		{"symbol == 'INFY' and age > 30", true},
		{"symbol == 'TCS' or strategy_id == 'momo'", true},
		{"not (symbol == 'TCS' or group == 'scale-1')", false},
		{"group startsWith 'scale-'", true},
		{"symbol matches '^IN'", true},
		{"quantity == 5 and price > 997", true},
		{"modifications >= 3", true},
		{"side == 'buy'", true},
		{"price > -1", true},
		{"true", true},
		{"false", false},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			p, err := Compile(tc.src)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Match(sample(), now))
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	bad := []string{
		"symbol ==",
		"colour == 'red'",
		"symbol > 'A'",
		"age == 'old'",
		"protected == 1",
		"symbol",
		"age + 1 > 3",
		"symbol in 'INFY'",
		"symbol matches '('",
		"len(symbol) > 2",
		"'INFY' in symbol",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			assert.ErrorIs(t, err, models.ErrInvalidPredicate)
		})
	}
}

func TestPredicate_String(t *testing.T) {
	p := MustCompile("symbol == 'INFY' and age > 30")
	assert.Equal(t, `(symbol == "INFY" and age > 30)`, p.String())
	assert.Equal(t, `status in ["pending", "open", "modified"]`, AllActive().String())
}

func TestNonessentialPredicate(t *testing.T) {
	o := sample()
	assert.False(t, NonessentialPredicate("").Match(o, epoch))

	o.Protected = false
	assert.True(t, NonessentialPredicate("").Match(o, epoch))
	assert.True(t, NonessentialPredicate("momo").Match(o, epoch))
	assert.False(t, NonessentialPredicate("other").Match(o, epoch))
}
