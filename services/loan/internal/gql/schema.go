package gql

const schemaSDL = `
schema {
  query: Query
  mutation: Mutation
}

enum LoanStatus {
  active
  returned
  canceled
}

type User {
  id: ID!
  email: String!
  name: String!
  role: String
  status: String
}

type Book {
  id: ID!
  title: String!
  author: String
}

type Loan {
  id: ID!
  bookId: ID!
  userId: ID!
  loanDate: String!
  dueDate: String!
  returnDate: String
  status: LoanStatus!
  note: String
  user: User
  book: Book
}

type Query {
  loan(id: ID!): Loan
  loansByUser(userId: ID!): [Loan!]!
  activeLoans: [Loan!]!
}

type Mutation {
  createLoan(userId: ID, bookId: ID!, dueDate: String!, note: String): Loan!
  returnLoan(id: ID!, state: String): Loan!
  cancelLoan(id: ID!): Loan!
}
`
