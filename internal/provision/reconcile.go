package provision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
)

// PeerState: результат сверки записи с шлюзом
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerPresent
	PeerAbsent
)

func (s PeerState) String() string {
	switch s {
	case PeerPresent:
		return "present"
	case PeerAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// reconcile спрашивает шлюз, существует ли пир записи. Ошибка проверки даёт
// PeerUnknown и ErrExistenceUnknown, а не PeerAbsent.
func (o *Orchestrator) reconcile(ctx context.Context, g *db.Grant) (PeerState, error) {
	exists, err := o.gw.PeerExists(ctx, g.PeerID)
	if err != nil {
		logger.Warn("peer existence check failed", zap.String("peer_name", g.PeerName), zap.Error(err))
		return PeerUnknown, fmt.Errorf("%w: %v", ErrExistenceUnknown, err)
	}
	if exists {
		return PeerPresent, nil
	}
	logger.Info("peer missing on gateway", zap.String("peer_name", g.PeerName), zap.Uint("grant_id", g.ID))
	return PeerAbsent, nil
}

// extendInPlace продлевает существующий пир без пересоздания: снимает
// ограничение, если срок уже истёк, переносит дату задачи, затем пишет запись.
// Если запись не сохранилась, задача возвращается к прежней дате.
func (o *Orchestrator) extendInPlace(ctx context.Context, g *db.Grant, in db.ExtendInput) error {
	now := o.now()
	restricted := !g.ExpireDate.After(now)
	if restricted {
		if err := o.gw.LiftRestriction(ctx, g.PeerID); err != nil {
			return fmt.Errorf("%w: allow access: %v", ErrRemoteUpdate, err)
		}
	}
	if err := o.gw.UpdateExpiryJob(ctx, g.JobID, g.PeerID, in.ExpireDate); err != nil {
		o.store.LogOperation(ctx, g.PeerName, db.OpRemoteFailure, "update job: "+err.Error())
		if restricted {
			o.restoreRestriction(ctx, g)
		}
		return fmt.Errorf("%w: update job: %v", ErrRemoteUpdate, err)
	}

	if err := o.store.ExtendGrant(ctx, in); err != nil {
		cctx, cancel := o.detached(ctx)
		defer cancel()
		if rerr := o.gw.UpdateExpiryJob(cctx, g.JobID, g.PeerID, g.ExpireDate); rerr != nil {
			logger.Error("job revert failed", zap.String("peer_name", g.PeerName), zap.Error(rerr))
			logger.NotifyAdmin(fmt.Sprintf("Задача %s пира %s продлена до %s, но запись не сохранена: %v",
				g.JobID, g.PeerName, in.ExpireDate.Format(time.DateTime), err))
		}
		if restricted {
			o.restoreRestriction(cctx, g)
		}
		return err
	}
	o.syncSideChannels(ctx, g.TelegramUserID, g.TelegramUsername, g.PeerID, in.ExpireDate, true)
	return nil
}

func (o *Orchestrator) restoreRestriction(ctx context.Context, g *db.Grant) {
	if err := o.gw.RestrictPeer(ctx, g.PeerID); err != nil {
		logger.Error("restriction restore failed", zap.String("peer_name", g.PeerName), zap.Error(err))
	}
}
