package main

import (
	"log"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// Verdict é o resultado da decisão de um confirm
type Verdict struct {
	Accepted      bool
	ReasonCode    string
	ReasonMessage string
}

// DecisionEngine decide se um pedido é aceito e se um cancelamento é possível
type DecisionEngine struct {
	forceRejectItemID string
	serviceable       map[string]struct{}
	nonCancellable    map[string]struct{}
}

// NewDecisionEngine cria o motor de decisão a partir da configuração
func NewDecisionEngine(forceRejectItemID string, serviceablePincodes, nonCancellableStates []string) *DecisionEngine {
	return &DecisionEngine{
		forceRejectItemID: forceRejectItemID,
		serviceable:       toSet(serviceablePincodes),
		nonCancellable:    toSet(nonCancellableStates),
	}
}

// DecideConfirm avalia os predicados de rejeição em ordem. Um pedido que
// não casa com nenhum é aceito.
func (d *DecisionEngine) DecideConfirm(order *protocol.Order) Verdict {
	if d.forceRejectItemID != "" {
		for _, item := range order.Items {
			if item.ID == d.forceRejectItemID {
				log.Printf("🚫 [DECISION] OrderID: %s | forced rejection by item %s", order.ID, item.ID)
				return Verdict{ReasonCode: protocol.ReasonItemUnavailable, ReasonMessage: "Item not available"}
			}
		}
	}

	areaCode := order.EndAreaCode()
	if _, ok := d.serviceable[areaCode]; !ok {
		log.Printf("🚫 [DECISION] OrderID: %s | area code %q not serviceable", order.ID, areaCode)
		return Verdict{ReasonCode: protocol.ReasonNotServiceable, ReasonMessage: "Delivery location not serviceable"}
	}

	return Verdict{Accepted: true}
}

// DecideCancel retorna nil quando o pedido pode ser cancelado, ou o erro de
// domínio com o estado ou item que impede o cancelamento.
func (d *DecisionEngine) DecideCancel(rec *OrderRecord) *protocol.Error {
	if _, blocked := d.nonCancellable[rec.OrderState]; blocked {
		return protocol.NewDomainError(protocol.CodeStateNotCancellable,
			"Order cannot be cancelled in current state (%s).", rec.OrderState)
	}

	if order := rec.Order(); order != nil {
		for _, item := range order.Items {
			cancellable, known := rec.CatalogSnapshot[item.ID]
			if known && !cancellable {
				return protocol.NewDomainError(protocol.CodeItemNotCancellable,
					"Order cannot be cancelled as item %s is non-cancellable.", item.ID)
			}
		}
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
