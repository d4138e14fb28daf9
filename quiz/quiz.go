package quiz

import (
	"errors"
	"fmt"
)

var (
	// ErrGameOver is returned when answering after the last question
	ErrGameOver = errors.New("game over")

	// ErrInvalidOption is returned for an option index outside the question
	ErrInvalidOption = errors.New("invalid option")
)

// Question is a multiple choice question. Correct indexes Options.
type Question struct {
	Prompt  string   `json:"question"`
	Options []string `json:"options"`
	Correct int      `json:"-"`
}

// Bank is an ordered set of questions
type Bank []Question

// DefaultBank returns the built-in question set
func DefaultBank() Bank {
	return Bank{
		{
			Prompt:  "What is the capital of France?",
			Options: []string{"London", "Berlin", "Paris", "Madrid"},
			Correct: 2,
		},
		{
			Prompt:  "Which planet is known as the Red Planet?",
			Options: []string{"Venus", "Mars", "Jupiter", "Saturn"},
			Correct: 1,
		},
		{
			Prompt:  "What is the largest mammal in the world?",
			Options: []string{"African Elephant", "Blue Whale", "Giraffe", "White Rhinoceros"},
			Correct: 1,
		},
		{
			Prompt:  "Who painted the Mona Lisa?",
			Options: []string{"Vincent van Gogh", "Pablo Picasso", "Leonardo da Vinci", "Michelangelo"},
			Correct: 2,
		},
		{
			Prompt:  "What is the chemical symbol for gold?",
			Options: []string{"Ag", "Fe", "Au", "Cu"},
			Correct: 2,
		},
	}
}

// Session is the progress of one player through a bank. It is plain data so
// it can be persisted as JSON between requests.
type Session struct {
	Current        int    `json:"current"`
	Score          int    `json:"score"`
	GameOver       bool   `json:"game_over"`
	LastRewardTxID string `json:"last_reward_txid,omitempty"`
}

// Answer is the outcome of answering the current question
type Answer struct {
	Question int
	Correct  bool
}

// CurrentQuestion returns the question awaiting an answer
func (s *Session) CurrentQuestion(bank Bank) (Question, error) {
	if s.GameOver || s.Current >= len(bank) {
		return Question{}, ErrGameOver
	}
	return bank[s.Current], nil
}

// Answer scores option against the current question and advances. A wrong
// answer clears the last reward so it is no longer shown.
func (s *Session) Answer(bank Bank, option int) (Answer, error) {
	q, err := s.CurrentQuestion(bank)
	if err != nil {
		return Answer{}, err
	}
	if option < 0 || option >= len(q.Options) {
		return Answer{}, fmt.Errorf("%w: %d (question has %d options)", ErrInvalidOption, option, len(q.Options))
	}

	ans := Answer{Question: s.Current, Correct: option == q.Correct}
	if ans.Correct {
		s.Score++
	} else {
		s.LastRewardTxID = ""
	}

	if s.Current < len(bank)-1 {
		s.Current++
	} else {
		s.GameOver = true
	}

	return ans, nil
}

// RecordReward remembers the transaction paying for the last correct answer
func (s *Session) RecordReward(txid string) {
	s.LastRewardTxID = txid
}

// Reset starts the quiz over
func (s *Session) Reset() {
	*s = Session{}
}
