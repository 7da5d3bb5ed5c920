package domain

// CurrentDecision returns the log entry that explains the report's current
// status. Entries are expected oldest first. A completed report shows the
// approval it was completed under.
func CurrentDecision(status ReportStatus, entries []ApprovalLogEntry) (ApprovalLogEntry, bool) {
	var want ApprovalAction
	switch status {
	case ReportApproved, ReportCompleted:
		want = ActionApproved
	case ReportRejected:
		want = ActionRejected
	default:
		return ApprovalLogEntry{}, false
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == want {
			return entries[i], true
		}
	}
	return ApprovalLogEntry{}, false
}
