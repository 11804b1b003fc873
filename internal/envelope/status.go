package envelope

import "github.com/hitoshi/signflow/internal/model"

// transitions は許可された状態遷移の一覧。終端状態からの遷移は存在しない。
var transitions = map[model.EnvelopeStatus][]model.EnvelopeStatus{
	model.StatusDraft: {
		model.StatusSent, model.StatusDeclined, model.StatusVoided,
	},
	model.StatusSent: {
		model.StatusViewed, model.StatusPartiallySigned, model.StatusCompleted,
		model.StatusDeclined, model.StatusVoided,
	},
	model.StatusViewed: {
		model.StatusPartiallySigned, model.StatusCompleted,
		model.StatusDeclined, model.StatusVoided,
	},
	model.StatusPartiallySigned: {
		model.StatusCompleted, model.StatusDeclined, model.StatusVoided,
	},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to model.EnvelopeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveStatus は現在の署名者一覧から集計状態を導出する。
// 署名数のカウンタは保持せず、呼び出しのたびに署名者の状態から計算し直す。
//
//   - DRAFTと終端状態はそのまま返す
//   - SIGNERロールの全員が署名済みならCOMPLETED
//   - 1人以上が署名済みならPARTIALLY_SIGNED
//   - それ以外は現在の状態（SENT/VIEWED）を維持する
//
// 結果が現在の状態から遷移できない場合（後退になる場合）は現在の状態を返す。
func DeriveStatus(current model.EnvelopeStatus, signers []*model.Signer) model.EnvelopeStatus {
	if current == model.StatusDraft || current.IsTerminal() {
		return current
	}

	total, signed := 0, 0
	for _, sg := range signers {
		if sg.Role != model.RoleSigner {
			continue
		}
		total++
		if sg.SignedAt != nil {
			signed++
		}
	}

	var next model.EnvelopeStatus
	switch {
	case total > 0 && signed == total:
		next = model.StatusCompleted
	case signed > 0:
		next = model.StatusPartiallySigned
	default:
		return current
	}
	if next == current || !CanTransition(current, next) {
		return current
	}
	return next
}

// activeRoutingOrder は未署名のSIGNERのうち最小のルーティング順を返す。該当者がいない場合は0。
func activeRoutingOrder(signers []*model.Signer) int {
	min := 0
	for _, sg := range signers {
		if sg.Role != model.RoleSigner || sg.HasActed() {
			continue
		}
		if min == 0 || sg.RoutingOrder < min {
			min = sg.RoutingOrder
		}
	}
	return min
}

// routingGroup は指定ルーティング順の未署名SIGNERを返す。
func routingGroup(signers []*model.Signer, order int) []*model.Signer {
	var out []*model.Signer
	for _, sg := range signers {
		if sg.Role == model.RoleSigner && !sg.HasActed() && sg.RoutingOrder == order {
			out = append(out, sg)
		}
	}
	return out
}
