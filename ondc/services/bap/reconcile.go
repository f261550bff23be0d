package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// Axis nomeia um aspecto do pedido comparado na reconciliação
type Axis string

const (
	AxisItems       Axis = "items"
	AxisQuote       Axis = "quote"
	AxisFulfillment Axis = "fulfillment"
)

// DefaultReconcileAxes compara itens, total do quote e o primeiro fulfillment
var DefaultReconcileAxes = []string{string(AxisItems), string(AxisQuote), string(AxisFulfillment)}

var axisComparators = map[Axis]func(original, received *protocol.Order) bool{
	AxisItems:       itemsMatch,
	AxisQuote:       quoteMatches,
	AxisFulfillment: fulfillmentMatches,
}

// Reconciler compara o snapshot do pedido no callback com o pedido enviado
type Reconciler struct {
	axes []Axis
}

// NewReconciler cria um reconciler para os eixos informados
func NewReconciler(axes []string) (*Reconciler, error) {
	r := &Reconciler{}
	for _, name := range axes {
		axis := Axis(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := axisComparators[axis]; !ok {
			return nil, fmt.Errorf("unknown reconcile axis %q", name)
		}
		if !slices.Contains(r.axes, axis) {
			r.axes = append(r.axes, axis)
		}
	}
	return r, nil
}

// Axes retorna os eixos configurados na ordem de avaliação
func (r *Reconciler) Axes() []Axis {
	return slices.Clone(r.axes)
}

// Mismatches retorna cada eixo configurado em que received difere de
// original. Resultado vazio significa que os snapshots batem.
func (r *Reconciler) Mismatches(original, received *protocol.Order) []Axis {
	var out []Axis
	for _, axis := range r.axes {
		if !axisComparators[axis](original, received) {
			out = append(out, axis)
		}
	}
	return out
}

type itemKey struct {
	id    string
	count int
}

func itemKeys(o *protocol.Order) []itemKey {
	keys := make([]itemKey, 0, len(o.Items))
	for _, item := range o.Items {
		keys = append(keys, itemKey{id: item.ID, count: item.Count()})
	}
	return keys
}

func itemsMatch(original, received *protocol.Order) bool {
	return slices.Equal(itemKeys(original), itemKeys(received))
}

func quoteMatches(original, received *protocol.Order) bool {
	return original.QuoteValue() == received.QuoteValue()
}

func fulfillmentMatches(original, received *protocol.Order) bool {
	var originalType, receivedType string
	if f := original.FirstFulfillment(); f != nil {
		originalType = f.Type
	}
	if f := received.FirstFulfillment(); f != nil {
		receivedType = f.Type
	}
	return originalType == receivedType && original.EndAreaCode() == received.EndAreaCode()
}
