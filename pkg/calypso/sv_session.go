package calypso

import (
	"context"
	"log/slog"
)

// SvGet runs SV Get for op inside the open session and enables one SV
// operation of matching intent.
func (s *Session) SvGet(ctx context.Context, op SvOperation) (*SvGetData, error) {
	if s.Phase() != PhaseOpen {
		return nil, commandErrorf(IllegalState, "sv get", CmdSvGet, "no secure session open")
	}
	req, err := s.sv.PrepareGet(op)
	if err != nil {
		return nil, err
	}
	if _, err := s.Execute(ctx, req); err != nil {
		return nil, err
	}
	s.log.Info("sv get", slog.String("operation", op.String()), slog.Int("balance", s.svGet.Balance), slog.Int("tnum", s.svGet.TNum))
	return s.svGet, nil
}

// SvReload credits amount (signed) to the stored value.
func (s *Session) SvReload(ctx context.Context, amount int, date, time uint16, free [2]byte) (*Response, error) {
	if err := s.checkSvGet(CmdSvReload, SvReload); err != nil {
		return nil, err
	}
	prepared, err := s.sv.PrepareReload(amount, s.svGet.KVC, date, time, free)
	if err != nil {
		return nil, err
	}
	return s.svFinalize(ctx, prepared)
}

// SvDebit debits amount from the stored value.
func (s *Session) SvDebit(ctx context.Context, amount int, date, time uint16) (*Response, error) {
	if err := s.checkSvGet(CmdSvDebit, SvDebit); err != nil {
		return nil, err
	}
	prepared, err := s.sv.PrepareDebit(amount, s.svGet.KVC, date, time)
	if err != nil {
		return nil, err
	}
	return s.svFinalize(ctx, prepared)
}

// SvUndebit cancels a previous debit of amount.
func (s *Session) SvUndebit(ctx context.Context, amount int, date, time uint16) (*Response, error) {
	if err := s.checkSvGet(CmdSvUndebit, SvDebit); err != nil {
		return nil, err
	}
	prepared, err := s.sv.PrepareUndebit(amount, s.svGet.KVC, date, time)
	if err != nil {
		return nil, err
	}
	return s.svFinalize(ctx, prepared)
}

func (s *Session) checkSvGet(cmd Command, want SvOperation) error {
	if s.Phase() != PhaseOpen {
		return commandErrorf(IllegalState, "sv", cmd, "no secure session open")
	}
	if s.svGet == nil || s.svGet.Operation != want || s.sv.Intent() != want {
		return commandErrorf(IllegalState, "sv", cmd, "requires a preceding SV Get (%s)", want)
	}
	return nil
}

func (s *Session) svFinalize(ctx context.Context, prepared *SvPrepared) (*Response, error) {
	complement, err := s.cfg.SAM.ComputeSvComplement(ctx, &SvComplementRequest{
		Command:     prepared.Command(),
		Get:         s.svGet,
		PartialAPDU: prepared.PartialAPDU(),
	})
	if err != nil {
		return nil, &Error{Kind: SecurityContext, Op: "sv", Command: prepared.Command(), HasCommand: true, Message: "SAM complement failed", Cause: err}
	}

	req, err := prepared.Finalize(complement)
	if err != nil {
		return nil, err
	}
	resp, err := s.Execute(ctx, req)
	if err != nil {
		return resp, err
	}
	s.log.Info("sv operation", slog.String("cmd", prepared.Command().String()), logHex("status", []byte{resp.Status.SW1(), resp.Status.SW2()}))
	return resp, nil
}
