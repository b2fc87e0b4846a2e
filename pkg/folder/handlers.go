package folder

import (
	"context"
	"errors"
	"fmt"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// foldClaim handles Claim(beneficiary|account, amount) emitted by a community contract.
func (f *Folder) foldClaim(ctx context.Context, e ledger.LedgerEntry) error {
	who, err := f.address(e, "beneficiary", "account")
	if err != nil {
		return err
	}
	amount, err := f.amount(e, "amount")
	if err != nil {
		return err
	}

	c, _, err := f.community(ctx, e.ContractAddress, e.ObservedAt)
	if err != nil {
		return err
	}
	b, err := f.beneficiary(ctx, c.Community, who)
	if err != nil {
		return err
	}
	expected, err := f.expectedInterval(ctx, c, e.ObservedAt)
	if err != nil {
		return err
	}

	b, c, interval := ApplyClaim(b, c, amount, e.ObservedAt)

	if err := f.saveBeneficiary(ctx, b); err != nil {
		return err
	}
	if err := f.saveCommunity(ctx, c); err != nil {
		return err
	}
	return f.record(ctx, ledger.Activity{
		EntryID:                 e.ID,
		Community:               c.Community,
		Kind:                    ledger.ActivityClaim,
		Actor:                   who,
		Amount:                  amount,
		OccurredAt:              e.ObservedAt,
		IntervalSeconds:         interval,
		ExpectedIntervalSeconds: expected,
	})
}

// foldTransfer handles ERC20 Transfer(from, to, value). A transfer can touch up to
// two communities: the receiving community books a donation, the sending
// community books an outflow, and a sender that is an active beneficiary books
// in-community volume. Transfers between unrelated addresses are ignored.
func (f *Folder) foldTransfer(ctx context.Context, e ledger.LedgerEntry) error {
	if len(f.tokens) > 0 && !f.tokens[e.ContractAddress] {
		return nil
	}
	from, err := f.address(e, "from")
	if err != nil {
		return err
	}
	to, err := f.address(e, "to")
	if err != nil {
		return err
	}
	amount, err := f.amount(e, "value", "amount")
	if err != nil {
		return err
	}
	// Moving funds to itself is neither a donation nor an outflow.
	if from == to {
		return nil
	}

	receiver, receiverKnown, err := f.community(ctx, to, e.ObservedAt)
	if err != nil {
		return err
	}
	if receiverKnown {
		newBacker, err := f.store.AddBacker(ctx, to, from, e.ObservedAt)
		if err != nil {
			return errs.Persistence("add backer", err)
		}
		if err := f.saveCommunity(ctx, ApplyDonation(receiver, amount, newBacker, e.ObservedAt)); err != nil {
			return err
		}
		if err := f.record(ctx, ledger.Activity{
			EntryID: e.ID, Community: to, Kind: ledger.ActivityDonation,
			Actor: from, Counterparty: to, Amount: amount, OccurredAt: e.ObservedAt,
		}); err != nil {
			return err
		}
	}

	_, senderKnown, err := f.community(ctx, from, e.ObservedAt)
	if err != nil {
		return err
	}
	if senderKnown {
		return f.record(ctx, ledger.Activity{
			EntryID: e.ID, Community: from, Kind: ledger.ActivityOutflow,
			Actor: from, Counterparty: to, Amount: amount, OccurredAt: e.ObservedAt,
		})
	}

	member, err := f.store.FindActiveMembership(ctx, from)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errs.Persistence("find membership", err)
	}
	// A beneficiary donating back to their own community is already booked above.
	if receiverKnown && member.Community == to {
		return nil
	}
	c, _, err := f.community(ctx, member.Community, e.ObservedAt)
	if err != nil {
		return err
	}
	if err := f.saveCommunity(ctx, ApplyTransfer(c, amount, e.ObservedAt)); err != nil {
		return err
	}
	return f.record(ctx, ledger.Activity{
		EntryID: e.ID, Community: member.Community, Kind: ledger.ActivityTransfer,
		Actor: from, Counterparty: to, Amount: amount, OccurredAt: e.ObservedAt,
	})
}

// foldMembership handles BeneficiaryAdded/Removed(manager, beneficiary).
func (f *Folder) foldMembership(active bool) handlerFunc {
	kind := ledger.ActivityBeneficiaryRemoved
	if active {
		kind = ledger.ActivityBeneficiaryAdded
	}
	return func(ctx context.Context, e ledger.LedgerEntry) error {
		who, err := f.address(e, "beneficiary", "account")
		if err != nil {
			return err
		}
		c, _, err := f.community(ctx, e.ContractAddress, e.ObservedAt)
		if err != nil {
			return err
		}
		b, err := f.beneficiary(ctx, c.Community, who)
		if err != nil {
			return err
		}

		b, c, changed := ApplyMembership(b, c, active, e.ObservedAt)
		if !changed {
			f.logger.Debug("Membership unchanged",
				zap.String("community", c.Community),
				zap.String("beneficiary", who),
				zap.Bool("active", active))
			return nil
		}
		if err := f.saveBeneficiary(ctx, b); err != nil {
			return err
		}
		if err := f.saveCommunity(ctx, c); err != nil {
			return err
		}
		manager, _ := e.Payload.First("manager")
		return f.record(ctx, ledger.Activity{
			EntryID: e.ID, Community: c.Community, Kind: kind,
			Actor: who, Counterparty: utils.NormalizeAddress(manager), Amount: decimal.Zero, OccurredAt: e.ObservedAt,
		})
	}
}

// foldManager handles ManagerAdded/Removed(manager?, account).
func (f *Folder) foldManager(delta int64) handlerFunc {
	kind := ledger.ActivityManagerRemoved
	if delta > 0 {
		kind = ledger.ActivityManagerAdded
	}
	return func(ctx context.Context, e ledger.LedgerEntry) error {
		who, err := f.address(e, "account", "manager")
		if err != nil {
			return err
		}
		c, _, err := f.community(ctx, e.ContractAddress, e.ObservedAt)
		if err != nil {
			return err
		}
		if err := f.saveCommunity(ctx, ApplyManagers(c, delta, e.ObservedAt)); err != nil {
			return err
		}
		return f.record(ctx, ledger.Activity{
			EntryID: e.ID, Community: c.Community, Kind: kind,
			Actor: who, Amount: decimal.Zero, OccurredAt: e.ObservedAt,
		})
	}
}

// foldCommunityAdded handles CommunityAdded(communityAddress, managers, ..., baseInterval, incrementInterval)
// emitted by the admin contract.
func (f *Folder) foldCommunityAdded(ctx context.Context, e ledger.LedgerEntry) error {
	addr, err := f.address(e, "communityAddress", "community")
	if err != nil {
		return err
	}
	base, increment, err := policyArgs(e)
	if err != nil {
		return err
	}
	if base == 0 {
		base = f.cfg.DefaultBaseInterval
	}

	c, _, err := f.community(ctx, addr, e.ObservedAt)
	if err != nil {
		return err
	}
	c.Active = true
	c = ApplyPolicy(c, base, increment, e.ObservedAt)
	var managers int64
	if v, ok := e.Payload.Get("managers"); ok {
		if list, ok := v.([]any); ok {
			managers = int64(len(list))
			c = ApplyManagers(c, managers, e.ObservedAt)
		}
	}
	if err := f.saveCommunity(ctx, c); err != nil {
		return err
	}
	if err := f.store.AppendPolicyChange(ctx, &ledger.PolicyChange{
		Community: addr, EffectiveAt: e.ObservedAt.UTC(), BaseInterval: c.BaseInterval,
		IncrementInterval: c.IncrementInterval, EntryID: e.ID,
	}); err != nil {
		return errs.Persistence("append policy change", err)
	}
	return f.record(ctx, ledger.Activity{
		EntryID: e.ID, Community: addr, Kind: ledger.ActivityCommunityAdded,
		// Amount carries the initial manager count for day rollups.
		Actor: e.ContractAddress, Amount: decimal.NewFromInt(managers), OccurredAt: e.ObservedAt,
	})
}

func (f *Folder) foldCommunityRemoved(ctx context.Context, e ledger.LedgerEntry) error {
	addr, err := f.address(e, "communityAddress", "community")
	if err != nil {
		return err
	}
	c, known, err := f.community(ctx, addr, e.ObservedAt)
	if err != nil {
		return err
	}
	if !known {
		f.logger.Warn("Removal of unknown community", zap.String("community", addr), zap.String("entry_id", e.ID))
		return nil
	}
	c.Active = false
	c.UpdatedAt = e.ObservedAt.UTC()
	if err := f.saveCommunity(ctx, c); err != nil {
		return err
	}
	return f.record(ctx, ledger.Activity{
		EntryID: e.ID, Community: addr, Kind: ledger.ActivityCommunityRemoved,
		Actor: e.ContractAddress, Amount: decimal.Zero, OccurredAt: e.ObservedAt,
	})
}

// foldPolicy handles CommunityEdited/ClaimPolicyChanged(..., baseInterval, incrementInterval).
func (f *Folder) foldPolicy(ctx context.Context, e ledger.LedgerEntry) error {
	base, increment, err := policyArgs(e)
	if err != nil {
		return err
	}
	if base == 0 && increment == 0 {
		return errs.Malformed(e.EventName, fmt.Errorf("no interval fields"))
	}
	c, _, err := f.community(ctx, e.ContractAddress, e.ObservedAt)
	if err != nil {
		return err
	}
	c = ApplyPolicy(c, base, increment, e.ObservedAt)
	if err := f.saveCommunity(ctx, c); err != nil {
		return err
	}
	if err := f.store.AppendPolicyChange(ctx, &ledger.PolicyChange{
		Community: c.Community, EffectiveAt: e.ObservedAt.UTC(), BaseInterval: c.BaseInterval,
		IncrementInterval: c.IncrementInterval, EntryID: e.ID,
	}); err != nil {
		return errs.Persistence("append policy change", err)
	}
	return f.record(ctx, ledger.Activity{
		EntryID: e.ID, Community: c.Community, Kind: ledger.ActivityPolicyChanged,
		Actor: e.FromAddress, Amount: decimal.Zero, OccurredAt: e.ObservedAt,
		ExpectedIntervalSeconds: c.BaseInterval,
	})
}

// policyArgs reads optional interval fields; absent fields are zero.
func policyArgs(e ledger.LedgerEntry) (int64, int64, error) {
	var base, increment int64
	if _, ok := e.Payload.Get("baseInterval"); ok {
		v, err := e.Payload.Int64("baseInterval")
		if err != nil || v < 0 {
			return 0, 0, errs.Malformed(e.EventName, fmt.Errorf("baseInterval: %v", err))
		}
		base = v
	}
	if _, ok := e.Payload.Get("incrementInterval"); ok {
		v, err := e.Payload.Int64("incrementInterval")
		if err != nil || v < 0 {
			return 0, 0, errs.Malformed(e.EventName, fmt.Errorf("incrementInterval: %v", err))
		}
		increment = v
	}
	return base, increment, nil
}
