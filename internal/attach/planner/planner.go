// Package planner classifies a plan-change request into a branch and derives
// the ordered action plan. Evaluate is a pure function of its context: it
// touches neither the processor nor the database, so identical input always
// yields an identical plan.
package planner

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotara/internal/attach/domain"
	cpdomain "github.com/smallbiznis/quotara/internal/customerproduct/domain"
	processordomain "github.com/smallbiznis/quotara/internal/processor/domain"
)

// Evaluate classifies the request and builds the plan. Branch selection
// follows a fixed first-match order; an input no rule matches is an error,
// never an arbitrary default.
func Evaluate(actx domain.AttachContext) (*domain.AttachPlan, error) {
	if len(actx.Requested) == 0 {
		return nil, domain.ErrNothingToAttach
	}

	branch, main, currentMain, err := classify(actx)
	if err != nil {
		return nil, err
	}

	proration, timing, ok := domain.PolicyFor(branch)
	if !ok {
		return nil, fmt.Errorf("%w: no policy for branch %s", domain.ErrAmbiguousBranch, branch)
	}

	plan := &domain.AttachPlan{
		Branch:    branch,
		Proration: proration,
		Timing:    timing,
	}
	if err := buildPlan(plan, actx, main, currentMain); err != nil {
		return nil, err
	}
	return plan, nil
}

func classify(actx domain.AttachContext) (domain.Branch, *domain.RequestedProduct, *domain.CurrentProduct, error) {
	// 1. More than one non-add-on product requested at once.
	var nonAddOns int
	for i := range actx.Requested {
		if !actx.Requested[i].Product.IsAddOn {
			nonAddOns++
		}
	}
	if nonAddOns > 1 {
		return domain.BranchMultiProduct, nil, nil, nil
	}

	// 2. Any requested product without a recurring price is bought one-off.
	for i := range actx.Requested {
		if !actx.Requested[i].HasRecurringPrice() {
			return domain.BranchOneOff, nil, nil, nil
		}
	}

	main := mainRequested(actx.Requested)
	currentMain, err := currentMainFor(actx.Current, main.Product.Group)
	if err != nil {
		return "", nil, nil, err
	}

	// 3. Nothing active in this product group yet.
	if currentMain == nil {
		if main.Product.IsAddOn {
			return domain.BranchAddOn, main, nil, nil
		}
		return domain.BranchNew, main, nil, nil
	}

	// 4. Same product: version bumps, quantity changes and entitlement
	// overrides each have their own branch.
	if main.Product.Code == currentMain.Product.Code {
		if main.Product.Version != currentMain.Row.ProductVersion {
			return domain.BranchNewVersion, main, currentMain, nil
		}
		currentOptions, err := currentMain.Row.OptionList()
		if err != nil {
			return "", nil, nil, err
		}
		if optionsChanged(currentOptions, main.Options) {
			return domain.BranchUpdatePrepaidQuantity, main, currentMain, nil
		}
		if len(main.CustomEntitlements) > 0 {
			return domain.BranchSameCustom, main, currentMain, nil
		}
	}

	// 5. Converting a free or trialing plan to a paid one.
	if !main.Free() {
		if currentMain.Free() {
			return domain.BranchMainIsFree, main, currentMain, nil
		}
		if currentMain.Row.OnTrial(actx.Now) {
			return domain.BranchMainIsTrial, main, currentMain, nil
		}
	}

	// 6. Price comparison. More expensive wins, more frequent breaks ties.
	currentTotal := currentMain.RecurringTotal()
	requestedTotal := main.RecurringTotal()
	switch {
	case requestedTotal > currentTotal:
		return domain.BranchUpgrade, main, currentMain, nil
	case requestedTotal < currentTotal:
		return domain.BranchDowngrade, main, currentMain, nil
	}
	currentFreq := currentMain.RecurringInterval().Frequency()
	requestedFreq := main.RecurringInterval().Frequency()
	switch {
	case requestedFreq > currentFreq:
		return domain.BranchUpgrade, main, currentMain, nil
	case requestedFreq < currentFreq:
		return domain.BranchDowngrade, main, currentMain, nil
	default:
		return domain.BranchRenew, main, currentMain, nil
	}
}

// mainRequested picks the primary product of the request: the first
// non-add-on, or the first product when only add-ons were requested.
func mainRequested(requested []domain.RequestedProduct) *domain.RequestedProduct {
	for i := range requested {
		if !requested[i].Product.IsAddOn {
			return &requested[i]
		}
	}
	return &requested[0]
}

// currentMainFor finds the active non-add-on product of the group. Two of
// them means the ledger is in a state the planner cannot classify.
func currentMainFor(current []domain.CurrentProduct, group string) (*domain.CurrentProduct, error) {
	var found *domain.CurrentProduct
	for i := range current {
		c := &current[i]
		if !c.Row.Active() || c.Row.IsAddOn || c.Row.ProductGroup != group {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: two active products in group %q", domain.ErrAmbiguousBranch, group)
		}
		found = c
	}
	return found, nil
}

func optionsChanged(current, requested []cpdomain.FeatureOption) bool {
	if len(requested) == 0 {
		return false
	}
	byCode := make(map[string]float64, len(current))
	for _, option := range current {
		byCode[option.FeatureCode] = option.Quantity
	}
	for _, option := range requested {
		if byCode[option.FeatureCode] != option.Quantity {
			return true
		}
	}
	return false
}

func buildPlan(plan *domain.AttachPlan, actx domain.AttachContext, main *domain.RequestedProduct, currentMain *domain.CurrentProduct) error {
	switch plan.Branch {
	case domain.BranchMultiProduct:
		return buildMultiProduct(plan, actx)
	case domain.BranchOneOff:
		return buildOneOff(plan, actx)
	case domain.BranchNew, domain.BranchAddOn:
		return buildNew(plan, actx, main)
	case domain.BranchNewVersion:
		return buildSwitch(plan, actx, main, currentMain, false)
	case domain.BranchUpgrade:
		return buildSwitch(plan, actx, main, currentMain, false)
	case domain.BranchMainIsFree, domain.BranchMainIsTrial:
		return buildSwitch(plan, actx, main, currentMain, true)
	case domain.BranchDowngrade:
		return buildDowngrade(plan, main, currentMain)
	case domain.BranchRenew:
		return buildRenew(plan, main, currentMain)
	case domain.BranchSameCustom:
		plan.Mutations.CustomUpdates = []domain.CustomUpdate{{
			CustomerProductID:  currentMain.Row.ID,
			CustomEntitlements: main.CustomEntitlements,
		}}
		return nil
	case domain.BranchUpdatePrepaidQuantity:
		return buildQuantityUpdate(plan, main, currentMain)
	default:
		return fmt.Errorf("%w: unhandled branch %s", domain.ErrAmbiguousBranch, plan.Branch)
	}
}

func buildMultiProduct(plan *domain.AttachPlan, actx domain.AttachContext) error {
	var items []processordomain.SubscriptionItem
	for i := range actx.Requested {
		items = append(items, subscriptionItems(&actx.Requested[i])...)
	}
	status := cpdomain.StatusActive
	link := true
	if len(items) > 0 && !actx.HasPaymentMethod {
		plan.Actions = append(plan.Actions, domain.Action{Type: domain.ActionCreateCheckout, Items: items})
		status = cpdomain.StatusScheduled
		link = false
	} else if len(items) > 0 {
		plan.Actions = append(plan.Actions, domain.Action{Type: domain.ActionCreateSubscription, Items: items})
	}
	for i := range actx.Requested {
		plan.Mutations.Inserts = append(plan.Mutations.Inserts, newProduct(&actx.Requested[i], status, nil, link))
	}
	return nil
}

func buildOneOff(plan *domain.AttachPlan, actx domain.AttachContext) error {
	var lines []processordomain.InvoiceLine
	var items []processordomain.SubscriptionItem
	for i := range actx.Requested {
		req := &actx.Requested[i]
		for _, price := range req.Prices {
			if price.Recurring() || price.Amount <= 0 {
				continue
			}
			lines = append(lines, processordomain.InvoiceLine{
				PriceID:     price.ProcessorPriceID,
				Quantity:    1,
				Description: req.Product.Name,
			})
			items = append(items, processordomain.SubscriptionItem{PriceID: price.ProcessorPriceID, Quantity: 1})
		}
	}
	status := cpdomain.StatusActive
	if len(lines) > 0 {
		if actx.HasPaymentMethod {
			plan.Actions = append(plan.Actions, domain.Action{Type: domain.ActionCreateInvoice, Lines: lines})
		} else {
			plan.Actions = append(plan.Actions, domain.Action{Type: domain.ActionCreateCheckout, Items: items})
			status = cpdomain.StatusScheduled
		}
	}
	for i := range actx.Requested {
		plan.Mutations.Inserts = append(plan.Mutations.Inserts, newProduct(&actx.Requested[i], status, nil, false))
	}
	return nil
}

func buildNew(plan *domain.AttachPlan, actx domain.AttachContext, main *domain.RequestedProduct) error {
	trialEnd := trialEndFor(actx, main)
	items := subscriptionItems(main)
	status := cpdomain.StatusActive
	link := true
	switch {
	case main.Free() || len(items) == 0:
		// Free plans never touch the processor.
		link = false
	case !actx.HasPaymentMethod && trialEnd == nil:
		// Paid plan without a stored payment method goes through checkout and
		// activates when the session completes.
		plan.Actions = append(plan.Actions, domain.Action{Type: domain.ActionCreateCheckout, Items: items})
		status = cpdomain.StatusScheduled
		link = false
	default:
		plan.Actions = append(plan.Actions, domain.Action{
			Type:     domain.ActionCreateSubscription,
			Items:    items,
			TrialEnd: trialEnd,
		})
	}
	plan.Mutations.Inserts = []domain.NewProduct{newProduct(main, status, trialEnd, link)}
	return nil
}

// buildSwitch replaces the current product with the requested one. Upgrades
// and version bumps edit the existing subscription in place; free and trial
// conversions cancel it and start a fresh paid subscription.
func buildSwitch(plan *domain.AttachPlan, actx domain.AttachContext, main *domain.RequestedProduct, currentMain *domain.CurrentProduct, replaceSubscription bool) error {
	subscriptionIDs, err := currentMain.Row.SubscriptionIDList()
	if err != nil {
		return err
	}
	items := subscriptionItems(main)

	link := true
	if replaceSubscription || len(subscriptionIDs) == 0 {
		for _, id := range subscriptionIDs {
			plan.Actions = append(plan.Actions, domain.Action{
				Type:           domain.ActionCancelSubscription,
				SubscriptionID: id,
			})
		}
		if len(items) > 0 {
			plan.Actions = append(plan.Actions, domain.Action{
				Type:  domain.ActionCreateSubscription,
				Items: items,
			})
		} else {
			link = false
		}
	} else {
		plan.Actions = append(plan.Actions, domain.Action{
			Type:           domain.ActionUpdateSubscription,
			SubscriptionID: subscriptionIDs[0],
			Items:          items,
			Proration:      prorationFor(plan.Proration),
		})
	}

	plan.Mutations.ExpireRows = []snowflake.ID{currentMain.Row.ID}
	plan.Mutations.Inserts = []domain.NewProduct{newProduct(main, cpdomain.StatusActive, nil, link)}
	return nil
}

func buildDowngrade(plan *domain.AttachPlan, main *domain.RequestedProduct, currentMain *domain.CurrentProduct) error {
	subscriptionIDs, err := currentMain.Row.SubscriptionIDList()
	if err != nil {
		return err
	}
	for _, id := range subscriptionIDs {
		plan.Actions = append(plan.Actions, domain.Action{
			Type:           domain.ActionCancelSubscription,
			SubscriptionID: id,
			AtPeriodEnd:    true,
		})
	}
	// The cheaper plan starts when the current cycle ends; reconciliation
	// activates the scheduled row on the cancellation event.
	plan.Mutations.Inserts = []domain.NewProduct{newProduct(main, cpdomain.StatusScheduled, nil, false)}
	return nil
}

func buildRenew(plan *domain.AttachPlan, main *domain.RequestedProduct, currentMain *domain.CurrentProduct) error {
	subscriptionIDs, err := currentMain.Row.SubscriptionIDList()
	if err != nil {
		return err
	}
	if len(subscriptionIDs) > 0 {
		plan.Actions = append(plan.Actions, domain.Action{
			Type:           domain.ActionUpdateSubscription,
			SubscriptionID: subscriptionIDs[0],
			Items:          subscriptionItems(main),
			Proration:      processordomain.ProrationNone,
		})
	}
	return nil
}

func buildQuantityUpdate(plan *domain.AttachPlan, main *domain.RequestedProduct, currentMain *domain.CurrentProduct) error {
	subscriptionIDs, err := currentMain.Row.SubscriptionIDList()
	if err != nil {
		return err
	}
	if len(subscriptionIDs) > 0 {
		plan.Actions = append(plan.Actions, domain.Action{
			Type:           domain.ActionUpdateSubscription,
			SubscriptionID: subscriptionIDs[0],
			Items:          subscriptionItems(main),
			Proration:      prorationFor(plan.Proration),
		})
	}
	plan.Mutations.OptionUpdates = []domain.OptionsUpdate{{
		CustomerProductID: currentMain.Row.ID,
		Options:           main.Options,
	}}
	return nil
}

// subscriptionItems maps the product's recurring prices to subscription
// lines. With a single recurring price, purchased quantities ride on it.
func subscriptionItems(req *domain.RequestedProduct) []processordomain.SubscriptionItem {
	var items []processordomain.SubscriptionItem
	for _, price := range req.Prices {
		if !price.Recurring() || price.ProcessorPriceID == "" {
			continue
		}
		items = append(items, processordomain.SubscriptionItem{PriceID: price.ProcessorPriceID, Quantity: 1})
	}
	if len(items) == 1 && len(req.Options) > 0 {
		var quantity int64
		for _, option := range req.Options {
			quantity += int64(option.Quantity)
		}
		if quantity > 0 {
			items[0].Quantity = quantity
		}
	}
	return items
}

func trialEndFor(actx domain.AttachContext, req *domain.RequestedProduct) *time.Time {
	if !req.FreeTrial || req.Product.TrialDays <= 0 {
		return nil
	}
	trialEnd := actx.Now.AddDate(0, 0, req.Product.TrialDays).UTC()
	return &trialEnd
}

func newProduct(req *domain.RequestedProduct, status cpdomain.Status, trialEnd *time.Time, link bool) domain.NewProduct {
	return domain.NewProduct{
		ProductID:          req.Product.ID,
		ProductGroup:       req.Product.Group,
		IsAddOn:            req.Product.IsAddOn,
		ProductVersion:     req.Product.Version,
		Status:             status,
		TrialEndsAt:        trialEnd,
		Options:            req.Options,
		CustomEntitlements: req.CustomEntitlements,
		LinkSubscription:   link,
	}
}

func prorationFor(behavior domain.ProrationBehavior) processordomain.ProrationBehavior {
	if behavior == domain.ProrationImmediately {
		return processordomain.ProrationImmediately
	}
	return processordomain.ProrationNone
}
