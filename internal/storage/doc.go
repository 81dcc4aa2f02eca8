package storage

// Package storage is the persistence gateway for the survey domain.
//
// It owns the durable entities (Course, Group, Student, Enrollment,
// Curator, Survey, Question, Response, Feedback) and the queries the orchestration
// services need: ordered question retrieval, enrollment lookups and
// conflict checks, and the two multi-row transactional writes
// (enrollment delta, question replace).
