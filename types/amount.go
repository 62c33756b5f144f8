package types

import (
	"strings"

	"github.com/holiman/uint256"
)

// Amount 余额/权重，使用uint256避免溢出
type Amount struct {
	v uint256.Int
}

var ZeroAmount = Amount{}

func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

func AmountFromUint256(n *uint256.Int) Amount {
	var a Amount
	a.v.Set(n)
	return a
}

func AmountFromDecimal(s string) (Amount, error) {
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return ZeroAmount, err
	}
	return AmountFromUint256(n), nil
}

// Pow2 返回2^n，prioritization的bucket边界使用
func Pow2(n uint) Amount {
	var a Amount
	a.v.Lsh(uint256.NewInt(1), n)
	return a
}

func (a Amount) Uint256() *uint256.Int {
	n := a.v
	return &n
}

func (a Amount) Add(b Amount) Amount {
	var r Amount
	r.v.Add(&a.v, &b.v)
	return r
}

// Sub 调用者需保证a >= b
func (a Amount) Sub(b Amount) Amount {
	var r Amount
	r.v.Sub(&a.v, &b.v)
	return r
}

func (a Amount) MulUint64(n uint64) Amount {
	var r Amount
	r.v.Mul(&a.v, uint256.NewInt(n))
	return r
}

func (a Amount) DivUint64(n uint64) Amount {
	var r Amount
	r.v.Div(&a.v, uint256.NewInt(n))
	return r
}

func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

func (a Amount) Uint64() uint64 {
	return a.v.Uint64()
}

func MaxAmount(a, b Amount) Amount {
	if a.Lt(b) {
		return b
	}
	return a
}

func (a Amount) String() string {
	return a.v.Dec()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.Dec() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := AmountFromDecimal(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
