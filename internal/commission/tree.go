package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TreeNode is one member of a user's downline
type TreeNode struct {
	UserID           string          `json:"user_id"`
	ReferredBy       string          `json:"referred_by"`
	Level            int             `json:"level"`
	CommissionEarned decimal.Decimal `json:"commission_earned"` // earned by the root from this member
	JoinedAt         time.Time       `json:"joined_at"`
}

// Tree returns the downline of userID flattened depth-first, down to as many
// levels as commissions are paid on.
func (d *Distributor) Tree(ctx context.Context, userID string) ([]TreeNode, error) {
	earned := make(map[string]decimal.Decimal)
	payouts, err := d.store.ListReferralTransactionsByReferrer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list commissions of %s: %w", userID, err)
	}
	for _, p := range payouts {
		earned[p.ReferredUserID] = earned[p.ReferredUserID].Add(p.Amount)
	}

	visited := map[string]struct{}{userID: {}}
	nodes := []TreeNode{}
	if err := d.walk(ctx, userID, 1, earned, visited, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (d *Distributor) walk(ctx context.Context, parent string, level int, earned map[string]decimal.Decimal,
	visited map[string]struct{}, nodes *[]TreeNode) error {
	if level > len(d.levels) {
		return nil
	}

	refs, err := d.store.ListReferralsByReferrer(ctx, parent)
	if err != nil {
		return fmt.Errorf("list referrals of %s: %w", parent, err)
	}
	for _, ref := range refs {
		if _, seen := visited[ref.ReferredUser]; seen {
			continue
		}
		visited[ref.ReferredUser] = struct{}{}

		*nodes = append(*nodes, TreeNode{
			UserID:           ref.ReferredUser,
			ReferredBy:       parent,
			Level:            level,
			CommissionEarned: earned[ref.ReferredUser],
			JoinedAt:         ref.CreatedAt,
		})
		if err := d.walk(ctx, ref.ReferredUser, level+1, earned, visited, nodes); err != nil {
			return err
		}
	}
	return nil
}
