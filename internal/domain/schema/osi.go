package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ledger/errs"
)

const (
	osiRootWidth   = 6
	osiStrikeScale = 1000
	osiLength      = osiRootWidth + 6 + 1 + 8
)

var osiStrikeFactor = decimal.NewFromInt(osiStrikeScale)

// OSISymbol renders the 21-character OCC option symbol: root padded to six characters,
// YYMMDD expiry, right, and the strike times 1000 in eight digits.
func OSISymbol(contract Contract) (string, error) {
	c := contract.Normalize()
	if !c.SecType.IsOption() {
		return "", errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("contract is not an option"))
	}
	root := c.Symbol
	if root == "" || len(root) > osiRootWidth {
		return "", errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("invalid option root"), errs.WithField("root", root))
	}
	if len(c.Expiry) != 8 {
		return "", errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("expiry must be YYYYMMDD"), errs.WithField("expiry", c.Expiry))
	}
	if c.Right != "C" && c.Right != "P" {
		return "", errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("right must be C or P"), errs.WithField("right", c.Right))
	}
	scaled := c.Strike.Mul(osiStrikeFactor)
	if !scaled.IsInteger() || scaled.IsNegative() || scaled.GreaterThanOrEqual(decimal.NewFromInt(100_000_000)) {
		return "", errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("strike out of range"), errs.WithField("strike", c.Strike.String()))
	}
	return fmt.Sprintf("%-6s%s%s%08d", root, c.Expiry[2:], c.Right, scaled.IntPart()), nil
}

// ParseOSI decodes an OCC option symbol into an option contract. The century is assumed
// to be 20xx.
func ParseOSI(symbol string) (Contract, error) {
	if len(symbol) != osiLength {
		return Contract{}, errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("osi symbol must be 21 characters"), errs.WithField("symbol", symbol))
	}
	root := strings.TrimSpace(symbol[:osiRootWidth])
	date := symbol[osiRootWidth : osiRootWidth+6]
	right := symbol[osiRootWidth+6 : osiRootWidth+7]
	strikeDigits := symbol[osiRootWidth+7:]

	if root == "" || NormalizeExpiry(date) != date {
		return Contract{}, errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("malformed root or expiry"), errs.WithField("symbol", symbol))
	}
	if right != "C" && right != "P" {
		return Contract{}, errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("malformed right"), errs.WithField("symbol", symbol))
	}
	raw, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return Contract{}, errs.New("schema/osi", errs.CodeInvalid, errs.WithMessage("malformed strike"), errs.WithCause(err))
	}
	return Contract{
		ConID:    0,
		Symbol:   root,
		SecType:  SecTypeOption,
		Currency: "",
		Exchange: "",
		Strike:   decimal.NewFromInt(raw).Div(osiStrikeFactor),
		Expiry:   "20" + date,
		Right:    right,
	}, nil
}
