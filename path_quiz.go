package quizreward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/dan/vault-plugin-secrets-quizreward/quiz"
	"github.com/dan/vault-plugin-secrets-quizreward/reward"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

const quizSessionKey = "quiz/session"

func pathQuiz(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "quiz",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationSuffix: "quiz",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathQuizRead,
				},
			},
			HelpSynopsis:    pathQuizHelpSynopsis,
			HelpDescription: pathQuizHelpDescription,
		},
		{
			Pattern: "quiz/answer",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationVerb:   "answer",
				OperationSuffix: "question",
			},
			Fields: map[string]*framework.FieldSchema{
				"option": {
					Type:        framework.TypeInt,
					Description: "Index of the chosen option, starting at 0",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathQuizAnswer,
				},
			},
			HelpSynopsis:    pathQuizAnswerHelpSynopsis,
			HelpDescription: pathQuizAnswerHelpDescription,
		},
		{
			Pattern: "quiz/reset",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationVerb:   "reset",
				OperationSuffix: "quiz",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathQuizReset,
				},
			},
			HelpSynopsis:    pathQuizResetHelpSynopsis,
			HelpDescription: pathQuizResetHelpDescription,
		},
	}
}

func (b *rewardBackend) pathQuizRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	engine, _, err := b.getEngine(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	config, err := loadConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	session, err := getSession(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	respData := sessionData(session, b.bank, config.Network)
	respData["reward_in_flight"] = engine.Busy()
	if last := engine.Last(); last != nil {
		respData["last_attempt"] = attemptData(last, config.Network)
	}

	return &logical.Response{Data: respData}, nil
}

func (b *rewardBackend) pathQuizAnswer(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	if !b.quizLock.TryLock() {
		return logical.ErrorResponse("an answer is already being processed"), nil
	}
	defer b.quizLock.Unlock()

	option := data.Get("option").(int)

	config, err := loadConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	session, err := getSession(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	ans, err := session.Answer(b.bank, option)
	switch {
	case errors.Is(err, quiz.ErrGameOver):
		return logical.ErrorResponse("the quiz is over - start again with: vault write -f quizreward/quiz/reset"), nil
	case errors.Is(err, quiz.ErrInvalidOption):
		return logical.ErrorResponse(err.Error()), nil
	case err != nil:
		return nil, err
	}

	b.Logger().Debug("question answered", "question", ans.Question, "correct", ans.Correct)

	respData := map[string]interface{}{
		"correct": ans.Correct,
	}

	if ans.Correct {
		respData["reward"] = b.payReward(ctx, req.Storage, session, ans.Question, config.Network)
	}

	if err := putSession(ctx, req.Storage, session); err != nil {
		return nil, err
	}

	for k, v := range sessionData(session, b.bank, config.Network) {
		respData[k] = v
	}

	return &logical.Response{Data: respData}, nil
}

// payReward triggers the engine for a correct answer. Reward problems are
// reported in the returned data and never fail the answer itself.
func (b *rewardBackend) payReward(ctx context.Context, s logical.Storage, session *quiz.Session, question int, network string) map[string]interface{} {
	engine, adapter, err := b.getEngine(ctx, s)
	if err != nil {
		b.Logger().Error("reward engine unavailable", "error", err)
		return skippedReward("reward engine unavailable: " + err.Error())
	}

	player, _, err := loadUserWallet(ctx, s, adapter)
	if err != nil {
		reason := "failed to load player wallet: " + err.Error()
		if errors.Is(err, wallet.ErrInvalidKeyEncoding) {
			reason = "player wallet is invalid: " + err.Error()
		} else {
			b.Logger().Error("failed to load player wallet", "error", err)
		}
		return skippedReward(reason)
	}
	if player == nil {
		b.Logger().Debug("not paying reward", "reason", "no player wallet")
		return skippedReward("no player wallet")
	}

	if platformAddr, ok := engine.PlatformAddress(); ok {
		if known, ok := engine.LastKnownBalance(platformAddr); !ok || known.FetchFailed {
			engine.RefreshPlatformBalance(ctx)
		}
	}

	attempt, err := engine.OnCorrectAnswer(ctx, player.Address)
	if err != nil {
		return skippedReward(err.Error())
	}

	if attempt.Outcome == reward.OutcomeDisbursed {
		session.RecordReward(attempt.Result.TransactionID)
		if err := putRewardRecord(ctx, s, newRewardRecord(attempt, question)); err != nil {
			// The reward is already broadcast, so the answer still succeeds
			b.Logger().Error("failed to save reward record", "txid", attempt.Result.TransactionID, "error", err)
		}
	}

	return attemptData(attempt, network)
}

func skippedReward(reason string) map[string]interface{} {
	return map[string]interface{}{
		"outcome":   reward.OutcomeSkipped.String(),
		"celebrate": false,
		"reason":    reason,
	}
}

func (b *rewardBackend) pathQuizReset(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	if !b.quizLock.TryLock() {
		return logical.ErrorResponse("an answer is already being processed"), nil
	}
	defer b.quizLock.Unlock()

	session, err := getSession(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	session.Reset()
	if err := putSession(ctx, req.Storage, session); err != nil {
		return nil, err
	}

	config, err := loadConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	b.Logger().Info("quiz reset")
	return &logical.Response{Data: sessionData(session, b.bank, config.Network)}, nil
}

func sessionData(session *quiz.Session, bank quiz.Bank, network string) map[string]interface{} {
	respData := map[string]interface{}{
		"score":     session.Score,
		"total":     len(bank),
		"game_over": session.GameOver,
	}

	if q, err := session.CurrentQuestion(bank); err == nil {
		respData["question_number"] = session.Current + 1
		respData["question"] = q.Prompt
		respData["options"] = q.Options
	}

	if session.LastRewardTxID != "" {
		respData["last_reward_txid"] = session.LastRewardTxID
		respData["last_reward_url"] = explorerURL(network, session.LastRewardTxID)
	}

	return respData
}

func attemptData(a *reward.Attempt, network string) map[string]interface{} {
	respData := map[string]interface{}{
		"attempt_id": a.ID,
		"outcome":    a.Outcome.String(),
		"state":      a.State().String(),
		"celebrate":  a.Celebrate(),
	}

	switch a.Outcome {
	case reward.OutcomeDisbursed:
		respData["txid"] = a.Result.TransactionID
		respData["amount"] = a.Result.AmountSatoshis
		respData["fee"] = a.Result.Fee
		respData["broadcast_at"] = a.Result.BroadcastAt.UTC().Format(time.RFC3339)
		respData["explorer_url"] = explorerURL(network, a.Result.TransactionID)
		respData["message"] = fmt.Sprintf("Reward sent! %d satoshis", a.Result.AmountSatoshis)
	case reward.OutcomeSkipped:
		respData["reason"] = a.SkipReason
	case reward.OutcomeDropped:
		respData["reason"] = "a reward is already being sent"
	case reward.OutcomeFailed:
		respData["reason"] = string(a.Failure.Reason)
		respData["message"] = a.Failure.Message
		if a.Failure.Detail != "" {
			respData["detail"] = a.Failure.Detail
		}
	}

	if platform, payee, ok := a.Reconciled(); ok {
		respData["platform_balance"] = balanceData(platform)
		respData["player_balance"] = balanceData(payee)
	}

	return respData
}

func getSession(ctx context.Context, s logical.Storage) (*quiz.Session, error) {
	entry, err := s.Get(ctx, quizSessionKey)
	if err != nil {
		return nil, fmt.Errorf("error retrieving quiz session: %w", err)
	}

	session := &quiz.Session{}
	if entry == nil {
		return session, nil
	}

	if err := entry.DecodeJSON(session); err != nil {
		return nil, fmt.Errorf("error decoding quiz session: %w", err)
	}
	return session, nil
}

func putSession(ctx context.Context, s logical.Storage, session *quiz.Session) error {
	entry, err := logical.StorageEntryJSON(quizSessionKey, session)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving quiz session: %w", err)
	}
	return nil
}

const pathQuizHelpSynopsis = `
Show the current question and score.
`

const pathQuizHelpDescription = `
This endpoint returns the question awaiting an answer, its options, the score
so far and, after a paid correct answer, the reward transaction.

last_attempt describes the most recent reward attempt. Once its state is
"done" it also carries the platform and player balances observed after the
reward settled.

Example:
  $ vault read quizreward/quiz
`

const pathQuizAnswerHelpSynopsis = `
Answer the current question.
`

const pathQuizAnswerHelpDescription = `
This endpoint scores the chosen option and moves to the next question. A
correct answer pays a 5 satoshi reward from the platform wallet to the player
wallet. The answer is returned once the reward transaction is broadcast, or
once the reward has been skipped or has failed.

Only one answer is processed at a time; a concurrent answer is refused.

Example:
  $ vault write quizreward/quiz/answer option=2

Response:
  - correct: Whether the answer was right
  - reward.outcome: disbursed, skipped, dropped or failed
  - reward.txid: Reward transaction (if disbursed)
  - reward.reason: Why no reward was paid (if skipped, dropped or failed)
`

const pathQuizResetHelpSynopsis = `
Start the quiz over.
`

const pathQuizResetHelpDescription = `
This endpoint resets the score and returns to the first question. Paid rewards
are not affected.

Example:
  $ vault write -f quizreward/quiz/reset
`
