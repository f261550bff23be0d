package protocol

// Clone helpers produce value copies that share no memory with the
// original, so stored snapshots cannot be mutated through another reference.

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Context: clonePtr(e.Context),
		Message: e.Message.Clone(),
		Error:   clonePtr(e.Error),
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Order = m.Order.Clone()
	out.Extra = m.Extra.Clone()
	return &out
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Extra = o.Extra.Clone()
	if o.Provider != nil {
		p := *o.Provider
		p.Locations = cloneLocations(o.Provider.Locations)
		p.Extra = o.Provider.Extra.Clone()
		out.Provider = &p
	}
	if o.Items != nil {
		out.Items = make([]Item, len(o.Items))
		for i, it := range o.Items {
			it.Quantity = clonePtr(it.Quantity)
			it.Cancellable = clonePtr(it.Cancellable)
			it.Extra = it.Extra.Clone()
			out.Items[i] = it
		}
	}
	if o.Billing != nil {
		b := *o.Billing
		b.Address = cloneRaw(o.Billing.Address)
		b.Extra = o.Billing.Extra.Clone()
		out.Billing = &b
	}
	if o.Fulfillments != nil {
		out.Fulfillments = make([]Fulfillment, len(o.Fulfillments))
		for i, f := range o.Fulfillments {
			out.Fulfillments[i] = f.clone()
		}
	}
	if o.Quote != nil {
		q := *o.Quote
		q.Extra = o.Quote.Extra.Clone()
		if o.Quote.Breakup != nil {
			q.Breakup = make([]QuoteBreakup, len(o.Quote.Breakup))
			for i, b := range o.Quote.Breakup {
				b.Price = clonePtr(b.Price)
				b.Extra = b.Extra.Clone()
				q.Breakup[i] = b
			}
		}
		out.Quote = &q
	}
	if o.Payment != nil {
		p := *o.Payment
		p.Params = clonePtr(o.Payment.Params)
		p.Extra = o.Payment.Extra.Clone()
		out.Payment = &p
	}
	out.Cancellation = clonePtr(o.Cancellation)
	return &out
}

func (f Fulfillment) clone() Fulfillment {
	f.Tracking = clonePtr(f.Tracking)
	f.State = clonePtr(f.State)
	f.Start = f.Start.clone()
	f.End = f.End.clone()
	f.Extra = f.Extra.Clone()
	return f
}

func (s *Stop) clone() *Stop {
	if s == nil {
		return nil
	}
	out := *s
	out.Location = s.Location.clone()
	if s.Time != nil {
		out.Time = &TimeRange{Range: clonePtr(s.Time.Range)}
	}
	out.Contact = clonePtr(s.Contact)
	out.Extra = s.Extra.Clone()
	return &out
}

func (l *Location) clone() *Location {
	if l == nil {
		return nil
	}
	out := *l
	out.Address = clonePtr(l.Address)
	out.Extra = l.Extra.Clone()
	return &out
}

func cloneLocations(in []Location) []Location {
	if in == nil {
		return nil
	}
	out := make([]Location, len(in))
	for i := range in {
		out[i] = *in[i].clone()
	}
	return out
}
