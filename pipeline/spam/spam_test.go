package spam

import (
	"context"
	"testing"
)

func TestClassifyLearnsFromTraining(t *testing.T) {
	corpus := NewCorpus()
	spamMsg := []byte("subject: viagra lottery winner\r\n\r\nclaim your prize money now")
	hamMsg := []byte("subject: lunch tomorrow\r\n\r\nsee you at noon for the usual")

	for i := 0; i < 20; i++ {
		corpus.Train(nil, spamMsg, true)
		corpus.Train(nil, hamMsg, false)
	}

	cl := New(corpus)
	spam, sigNum, sigKey, err := cl.Classify(context.Background(), nil, spamMsg)
	if err != nil {
		t.Fatal(err)
	}
	if !spam {
		t.Fatal("expected the trained spam message to classify as spam")
	}
	if sigNum == 0 || len(sigKey) == 0 {
		t.Fatal("expected a non-empty signature")
	}

	ham, _, _, err := cl.Classify(context.Background(), nil, hamMsg)
	if err != nil {
		t.Fatal(err)
	}
	if ham {
		t.Fatal("expected the trained ham message to classify as not spam")
	}
}

func TestClassifyUntrainedCorpusNeverFlags(t *testing.T) {
	cl := New(NewCorpus())
	spam, _, _, err := cl.Classify(context.Background(), nil, []byte("anything at all"))
	if err != nil {
		t.Fatal(err)
	}
	if spam {
		t.Fatal("an untrained corpus should never classify a message as spam")
	}
}

func TestSignatureStableForSameTokens(t *testing.T) {
	n1, k1 := signature(tokenize(nil, []byte("hello world")))
	n2, k2 := signature(tokenize(nil, []byte("world hello")))
	if n1 != n2 || string(k1) != string(k2) {
		t.Fatal("signature should be stable regardless of token order in the source text")
	}
}
