package engine

import (
	"context"

	syncuserlog "github.com/famedly/sync/internal/log"
	"github.com/famedly/sync/internal/syncuser"
	"github.com/famedly/sync/internal/zitadel"
)

// dryRunClient wraps an IAMClient so every mutating call is logged and
// short-circuited to a successful no-op, while read-only calls
// (embedded, not overridden) still reach the real IAM instance so the
// diff is computed against live state.
type dryRunClient struct {
	IAMClient
}

func (d *dryRunClient) CreateHuman(ctx context.Context, payload syncuser.Payload) (string, bool, error) {
	syncuserlog.FromContext(ctx).Info().Str("external_id_hex", payload.NickName).Msg("dry-run: would create human")
	return "dry-run/" + payload.ResourceID, false, nil
}

func (d *dryRunClient) UpdateHuman(ctx context.Context, iamID string, profile *zitadel.UpdateProfileRequest, email *zitadel.UpdateEmailRequest, phone *zitadel.UpdatePhoneRequest) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Msg("dry-run: would update human")
	return nil
}

func (d *dryRunClient) GrantProjectRole(ctx context.Context, iamID, projectID, roleKey string) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Str("role", roleKey).Msg("dry-run: would grant project role")
	return nil
}

func (d *dryRunClient) AddIDPLink(ctx context.Context, iamID, idpID, externalUserID, displayName string) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Msg("dry-run: would add idp link")
	return nil
}

func (d *dryRunClient) Deactivate(ctx context.Context, iamID string) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Msg("dry-run: would deactivate")
	return nil
}

func (d *dryRunClient) Reactivate(ctx context.Context, iamID string) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Msg("dry-run: would reactivate")
	return nil
}

func (d *dryRunClient) Delete(ctx context.Context, iamID string) error {
	syncuserlog.FromContext(ctx).Info().Str("iam_id", iamID).Msg("dry-run: would delete")
	return nil
}
