package ingest

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/arbiter"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
	"github.com/sells-group/regsync/internal/store"
)

// ErrUngatedWrite is returned when the orchestrator is called without an
// anchor approved by Gate.
var ErrUngatedWrite = eris.New("ingest: write without an approved anchor")

// Input is one anchored record ready for structured writes.
type Input struct {
	Anchor     Anchor
	Payload    *model.Payload
	Meta       model.SourceMeta
	BatchID    string
	EvidenceID *int64
	// ObservedAt is used when the payload carries no timestamp of its own.
	ObservedAt time.Time
}

// Applied summarizes the writes made for one record.
type Applied struct {
	RegistrationID    int64 `json:"registration_id"`
	Created           bool  `json:"created"`
	Changes           int   `json:"changes"`
	Conflicts         int   `json:"conflicts"`
	DependentsAdded   int   `json:"dependents_added"`
	DependentsUpdated int   `json:"dependents_updated"`
}

// Orchestrator applies anchored records: registration first, dependents
// second, change records last, all on the caller's transaction.
type Orchestrator struct {
	arb *arbiter.Arbiter
}

// NewOrchestrator returns an Orchestrator deciding fields with arb.
func NewOrchestrator(arb *arbiter.Arbiter) *Orchestrator {
	if arb == nil {
		arb = arbiter.New(nil)
	}
	return &Orchestrator{arb: arb}
}

// changeSet buffers change records until every mutation is written.
type changeSet struct {
	in      Input
	prov    model.Provenance
	records []*model.ChangeRecord
}

func (c *changeSet) add(entity string, id int64, field, before, after, reason string) {
	prov := c.prov
	c.records = append(c.records, &model.ChangeRecord{
		BatchID:    c.in.BatchID,
		EvidenceID: c.in.EvidenceID,
		EntityType: entity,
		EntityID:   id,
		Field:      field,
		Before:     model.StrPtr(before),
		After:      model.StrPtr(after),
		SourceKey:  c.in.Meta.Key,
		Provenance: &prov,
		Reason:     reason,
	})
}

// Apply writes one anchored record with q, which must be bound to a
// transaction. Replaying an identical record writes nothing.
func (o *Orchestrator) Apply(ctx context.Context, q *store.Queries, in Input) (*Applied, error) {
	if !in.Anchor.Approved() {
		return nil, ErrUngatedWrite
	}
	if in.Payload == nil {
		return nil, eris.New("ingest: nil payload")
	}

	observed := in.Payload.ObservedAt
	if observed.IsZero() {
		observed = in.ObservedAt
	}
	cs := &changeSet{
		in: in,
		prov: model.Provenance{
			Source:     in.Meta.Key,
			Grade:      in.Meta.Grade,
			Priority:   in.Meta.Priority,
			ObservedAt: observed.UTC(),
			EvidenceID: in.EvidenceID,
			BatchID:    in.BatchID,
		},
	}

	reg, out, err := o.upsertRegistration(ctx, q, cs)
	if err != nil {
		return nil, err
	}
	if err := o.upsertDependents(ctx, q, cs, reg, out); err != nil {
		return nil, err
	}

	for _, c := range cs.records {
		if err := q.InsertChangeRecord(ctx, c); err != nil {
			return nil, err
		}
	}
	out.Changes = len(cs.records)
	return out, nil
}

func (o *Orchestrator) upsertRegistration(ctx context.Context, q *store.Queries, cs *changeSet) (*model.Registration, *Applied, error) {
	in := cs.in
	regNo := in.Anchor.RegistrationNo()

	fresh := &model.Registration{
		RegistrationNo: regNo,
		CreatedBatchID: in.BatchID,
		UpdatedBatchID: in.BatchID,
		Provenance:     model.FieldProvenance{},
	}
	for _, f := range model.RegistrationFields {
		if v := strings.TrimSpace(in.Payload.Fields[f]); v != "" {
			fresh.SetField(f, v)
			fresh.Provenance[f] = cs.prov
		}
	}
	fresh.RegistrantNameNorm = normalize.CompanyName(fresh.RegistrantName)

	id, created, err := q.InsertRegistration(ctx, fresh)
	if err != nil {
		return nil, nil, err
	}
	if created {
		cs.add(model.EntityRegistration, id, "registration_no", "", regNo, "created")
		for _, f := range model.RegistrationFields {
			if v := fresh.Field(f); v != "" {
				cs.add(model.EntityRegistration, id, f, "", v, "created")
			}
		}
		return fresh, &Applied{RegistrationID: id, Created: true}, nil
	}

	// Another writer owns the row; continue as an update under its lock.
	reg, err := q.GetRegistrationByNo(ctx, regNo, true)
	if err != nil {
		return nil, nil, err
	}
	if reg.Provenance == nil {
		reg.Provenance = model.FieldProvenance{}
	}
	out := &Applied{RegistrationID: reg.ID}

	changed := false
	for _, f := range model.RegistrationFields {
		incoming, ok := in.Payload.Fields[f]
		if !ok {
			continue
		}
		stored := arbiter.Candidate{Value: reg.Field(f), Provenance: reg.Provenance[f]}
		next := arbiter.Candidate{Value: strings.TrimSpace(incoming), Provenance: cs.prov}
		d := o.arb.Decide(f, stored, next, in.Meta)
		switch d.Verdict {
		case arbiter.Fill, arbiter.Overwrite:
			cs.add(model.EntityRegistration, reg.ID, f, reg.Field(f), d.Winner.Value, d.Rule)
			reg.SetField(f, d.Winner.Value)
			reg.Provenance[f] = d.Winner.Provenance
			changed = true
		case arbiter.Undecidable:
			if err := o.openConflict(ctx, q, reg.ID, f, stored, next); err != nil {
				return nil, nil, err
			}
			out.Conflicts++
		}
	}
	if !changed {
		return reg, out, nil
	}

	if norm := normalize.CompanyName(reg.RegistrantName); norm != reg.RegistrantNameNorm {
		cs.add(model.EntityRegistration, reg.ID, "registrant_name_norm", reg.RegistrantNameNorm, norm, "derived")
		reg.RegistrantNameNorm = norm
	}
	reg.UpdatedBatchID = in.BatchID
	if err := q.UpdateRegistration(ctx, reg); err != nil {
		return nil, nil, err
	}
	return reg, out, nil
}

func (o *Orchestrator) openConflict(ctx context.Context, q *store.Queries, regID int64, field string, stored, incoming arbiter.Candidate) error {
	_, _, err := q.OpenConflict(ctx, regID, field, []model.ConflictCandidate{
		{Value: stored.Value, Provenance: stored.Provenance},
		{Value: incoming.Value, Provenance: incoming.Provenance},
	})
	return err
}

func (o *Orchestrator) upsertDependents(ctx context.Context, q *store.Queries, cs *changeSet, reg *model.Registration, out *Applied) error {
	for _, cand := range cs.in.Payload.Dependents {
		key := strings.TrimSpace(cand.NaturalKey)
		if !cand.Kind.Valid() || key == "" {
			zap.L().Warn("ingest: skipping malformed dependent",
				zap.String("source", cs.in.Meta.Key),
				zap.String("kind", string(cand.Kind)),
				zap.String("natural_key", cand.NaturalKey),
			)
			continue
		}
		if err := o.upsertDependent(ctx, q, cs, reg, cand.Kind, key, cand.Attrs, out); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) upsertDependent(ctx context.Context, q *store.Queries, cs *changeSet, reg *model.Registration,
	kind model.DependentKind, key string, attrs map[string]string, out *Applied,
) error {
	d, err := q.GetDependent(ctx, kind, key, true)
	switch {
	case eris.Is(err, store.ErrNotFound):
		d = &model.Dependent{
			Kind:           kind,
			NaturalKey:     key,
			RegistrationID: reg.ID,
			RegistrationNo: reg.RegistrationNo,
			Attrs:          map[string]string{},
			Provenance:     model.FieldProvenance{},
		}
		for _, name := range sortedKeys(attrs) {
			if v := strings.TrimSpace(attrs[name]); v != "" {
				d.Attrs[name] = v
				d.Provenance[name] = cs.prov
			}
		}
		id, created, err := q.InsertDependent(ctx, d)
		if err != nil {
			return err
		}
		if created {
			cs.add(model.EntityDependent, id, "registration_no", "", reg.RegistrationNo, "created")
			for _, name := range sortedKeys(d.Attrs) {
				cs.add(model.EntityDependent, id, name, "", d.Attrs[name], "created")
			}
			out.DependentsAdded++
			return nil
		}
		if d, err = q.GetDependent(ctx, kind, key, true); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	if d.Attrs == nil {
		d.Attrs = map[string]string{}
	}
	if d.Provenance == nil {
		d.Provenance = model.FieldProvenance{}
	}

	changed := false
	if d.RegistrationID != reg.ID {
		cs.add(model.EntityDependent, d.ID, "registration_id",
			strconv.FormatInt(d.RegistrationID, 10), strconv.FormatInt(reg.ID, 10), "rebind")
		d.RegistrationID = reg.ID
		changed = true
	}
	if d.RegistrationNo != reg.RegistrationNo {
		cs.add(model.EntityDependent, d.ID, "registration_no", d.RegistrationNo, reg.RegistrationNo, "cache_refresh")
		d.RegistrationNo = reg.RegistrationNo
		changed = true
	}

	for _, name := range sortedKeys(attrs) {
		field := model.DependentField(kind, key, name)
		stored := arbiter.Candidate{Value: d.Attrs[name], Provenance: d.Provenance[name]}
		next := arbiter.Candidate{Value: strings.TrimSpace(attrs[name]), Provenance: cs.prov}
		dec := o.arb.Decide(field, stored, next, cs.in.Meta)
		switch dec.Verdict {
		case arbiter.Fill, arbiter.Overwrite:
			cs.add(model.EntityDependent, d.ID, name, d.Attrs[name], dec.Winner.Value, dec.Rule)
			d.Attrs[name] = dec.Winner.Value
			d.Provenance[name] = dec.Winner.Provenance
			changed = true
		case arbiter.Undecidable:
			if err := o.openConflict(ctx, q, reg.ID, field, stored, next); err != nil {
				return err
			}
			out.Conflicts++
		}
	}
	if !changed {
		return nil
	}
	if err := q.UpdateDependent(ctx, d); err != nil {
		return err
	}
	out.DependentsUpdated++
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
